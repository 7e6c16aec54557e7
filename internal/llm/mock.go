package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider replays a scripted sequence of responses. It backs the demo
// command and tests that need deterministic model behavior.
type MockProvider struct {
	mu      sync.Mutex
	script  []ChatResponse
	calls   int
	pricing map[string]Model
}

// NewMockProvider creates a mock provider with a default one-line script
func NewMockProvider(cfg ProviderConfig) (Provider, error) {
	return &MockProvider{
		script: []ChatResponse{
			{
				Model: "mock-model",
				Choices: []Choice{{
					Message:      Message{Role: RoleAssistant, Content: "Done."},
					FinishReason: FinishReasonStop,
				}},
				Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			},
		},
		pricing: map[string]Model{},
	}, nil
}

// NewScriptedProvider creates a mock provider that replays the given
// responses in order, then repeats the last one
func NewScriptedProvider(script ...ChatResponse) *MockProvider {
	return &MockProvider{script: script, pricing: map[string]Model{}}
}

// Name returns the provider name
func (m *MockProvider) Name() string { return "mock" }

// Validate always succeeds for the mock
func (m *MockProvider) Validate() error {
	if len(m.script) == 0 {
		return fmt.Errorf("mock provider requires at least one scripted response")
	}
	return nil
}

// Chat returns the next scripted response
func (m *MockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.calls++

	resp := m.script[idx]
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

// Calls reports how many chat calls the mock has served
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CalculateCost calculates the cost for a given usage
func (m *MockProvider) CalculateCost(model string, usage *Usage) (*Cost, error) {
	return calculateModelCost(m.pricing, model, usage)
}
