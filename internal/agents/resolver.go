// Package agents resolves agent configurations and routes tasks to the
// protocol adapter registered for each agent.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/outpost-labs/muster/internal/db"
	"github.com/outpost-labs/muster/internal/mcp"
)

var (
	// ErrNotFound means the agent id is unknown
	ErrNotFound = errors.New("agent not found")
	// ErrMisconfigured means the agent exists but cannot run
	ErrMisconfigured = errors.New("agent is misconfigured")
)

// RuntimeConfig is everything a workflow run needs to execute against an
// agent. Plain data so it survives step checkpointing.
type RuntimeConfig struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	Model       string          `json:"model"`
	Instruction string          `json:"instruction"`
	ToolServers []mcp.ServerRef `json:"tool_servers,omitempty"`

	MaxIterations  int     `json:"max_iterations,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	BudgetUSD      float64 `json:"budget_usd,omitempty"`
}

// Resolver resolves an agent id to its runtime configuration
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (RuntimeConfig, error)
}

// StoreResolver resolves agents from the database
type StoreResolver struct {
	store *db.Store
}

// NewStoreResolver creates a resolver backed by the agent store
func NewStoreResolver(store *db.Store) *StoreResolver {
	return &StoreResolver{store: store}
}

// Resolve loads and validates an agent's runtime configuration
func (r *StoreResolver) Resolve(ctx context.Context, agentID string) (RuntimeConfig, error) {
	rec, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, db.ErrNotFound) {
		return RuntimeConfig{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("resolving agent %s: %w", agentID, err)
	}

	if strings.TrimSpace(rec.Model) == "" {
		return RuntimeConfig{}, fmt.Errorf("%w: agent %s has no model binding", ErrMisconfigured, agentID)
	}

	cfg := RuntimeConfig{
		AgentID:        rec.ID,
		Name:           rec.Name,
		Model:          rec.Model,
		Instruction:    rec.Instruction,
		MaxIterations:  rec.MaxIterations,
		TimeoutSeconds: rec.TimeoutSeconds,
		BudgetUSD:      rec.BudgetUSD,
	}
	for _, s := range rec.ToolServers {
		ref, err := mcp.ParseServerRef(s)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%w: agent %s tool server %q: %v", ErrMisconfigured, agentID, s, err)
		}
		cfg.ToolServers = append(cfg.ToolServers, ref)
	}
	return cfg, nil
}
