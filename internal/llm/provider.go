package llm

import (
	"context"
	"fmt"
)

// Provider is the interface a model backend must implement
type Provider interface {
	// Name returns the provider name
	Name() string

	// Chat generates a non-streaming chat completion
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// CalculateCost calculates the cost for a given usage
	CalculateCost(model string, usage *Usage) (*Cost, error)

	// Validate validates the provider configuration
	Validate() error
}

// ProviderConfig holds configuration for a single provider
type ProviderConfig struct {
	Type    string `json:"type"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// Factory creates a provider from its configuration
type Factory func(cfg ProviderConfig) (Provider, error)

// Registry holds all registered provider factories
var Registry = map[string]Factory{
	"openai": NewOpenAIProvider,
	"mock":   NewMockProvider,
}

// CreateProvider creates a provider from its configuration
func CreateProvider(cfg ProviderConfig) (Provider, error) {
	factory, ok := Registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s provider config: %w", cfg.Type, err)
	}
	return p, nil
}
