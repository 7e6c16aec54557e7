package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI-compatible chat completion API. Any
// endpoint that accepts the same JSON (vLLM, Ollama, proxies) works by
// pointing BaseURL at it.
type OpenAIProvider struct {
	config ProviderConfig
	models map[string]Model
	client *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(cfg ProviderConfig) (Provider, error) {
	models := map[string]Model{
		"gpt-4o": {
			ID:          "gpt-4o",
			Name:        "GPT-4o",
			ContextSize: 128000,
			InputPrice:  2.50,
			OutputPrice: 10.00,
		},
		"gpt-4o-mini": {
			ID:          "gpt-4o-mini",
			Name:        "GPT-4o Mini",
			ContextSize: 128000,
			InputPrice:  0.15,
			OutputPrice: 0.60,
		},
		"o1": {
			ID:          "o1",
			Name:        "o1",
			ContextSize: 200000,
			InputPrice:  15.00,
			OutputPrice: 60.00,
		},
		"gpt-4-turbo": {
			ID:          "gpt-4-turbo",
			Name:        "GPT-4 Turbo",
			ContextSize: 128000,
			InputPrice:  10.00,
			OutputPrice: 30.00,
		},
	}

	return &OpenAIProvider{
		config: cfg,
		models: models,
		client: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the provider name
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// Validate checks if the provider configuration is valid
func (o *OpenAIProvider) Validate() error {
	if o.config.APIKey == "" && o.config.BaseURL == "" {
		return fmt.Errorf("API key is required for the hosted OpenAI endpoint")
	}
	return nil
}

// Chat generates a non-streaming chat completion
func (o *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := openAIBaseURL
	if o.config.BaseURL != "" {
		baseURL = o.config.BaseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.config.APIKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &chatResp, nil
}

// CalculateCost calculates the cost for a given usage
func (o *OpenAIProvider) CalculateCost(model string, usage *Usage) (*Cost, error) {
	return calculateModelCost(o.models, model, usage)
}

func calculateModelCost(models map[string]Model, model string, usage *Usage) (*Cost, error) {
	if usage == nil {
		return nil, fmt.Errorf("usage is required to calculate cost")
	}

	info, ok := models[model]
	if !ok {
		// Unknown model: record tokens with zero pricing rather than
		// failing the call
		info = Model{ID: model}
	}

	inputCost := float64(usage.PromptTokens) / 1_000_000 * info.InputPrice
	outputCost := float64(usage.CompletionTokens) / 1_000_000 * info.OutputPrice

	return &Cost{
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
		Currency:     "USD",
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.TotalTokens,
		Model:        model,
		Timestamp:    time.Now(),
	}, nil
}
