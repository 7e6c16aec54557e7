package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRecord is a configured persona tasks execute against
type AgentRecord struct {
	ID          string   `json:"id" db:"id"`
	Name        string   `json:"name" db:"name"`
	Model       string   `json:"model" db:"model"`
	Instruction string   `json:"instruction" db:"instruction"`
	ToolServers []string `json:"tool_servers,omitempty" db:"tool_servers"`

	// Per-agent limit overrides; zero means use configured defaults
	MaxIterations  int     `json:"max_iterations,omitempty" db:"max_iterations"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty" db:"timeout_seconds"`
	BudgetUSD      float64 `json:"budget_usd,omitempty" db:"budget_usd"`

	CreatedAt int64 `json:"created_at" db:"created_at"`
}

// CreateAgent persists an agent configuration
func (s *Store) CreateAgent(ctx context.Context, agent *AgentRecord) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Name == "" || agent.Model == "" {
		return fmt.Errorf("agent requires name and model")
	}
	agent.CreatedAt = time.Now().Unix()

	servers, err := encodeStringSlice(agent.ToolServers)
	if err != nil {
		return fmt.Errorf("encoding tool servers: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO agents (id, name, model, instruction, tool_servers, max_iterations, timeout_seconds, budget_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Model, agent.Instruction, servers,
		agent.MaxIterations, agent.TimeoutSeconds, agent.BudgetUSD, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by id
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	var agent AgentRecord
	var instruction, servers sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, model, instruction, tool_servers, max_iterations, timeout_seconds, budget_usd, created_at
		FROM agents WHERE id = ?
	`, agentID).Scan(&agent.ID, &agent.Name, &agent.Model, &instruction, &servers,
		&agent.MaxIterations, &agent.TimeoutSeconds, &agent.BudgetUSD, &agent.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}

	agent.Instruction = instruction.String
	if servers.Valid && servers.String != "" {
		if err := json.Unmarshal([]byte(servers.String), &agent.ToolServers); err != nil {
			return nil, fmt.Errorf("decoding tool servers: %w", err)
		}
	}
	return &agent, nil
}

// ListAgents returns all configured agents
func (s *Store) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, model, instruction, tool_servers, max_iterations, timeout_seconds, budget_usd, created_at
		FROM agents ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var agent AgentRecord
		var instruction, servers sql.NullString
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Model, &instruction, &servers,
			&agent.MaxIterations, &agent.TimeoutSeconds, &agent.BudgetUSD, &agent.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agent.Instruction = instruction.String
		if servers.Valid && servers.String != "" {
			if err := json.Unmarshal([]byte(servers.String), &agent.ToolServers); err != nil {
				return nil, fmt.Errorf("decoding tool servers: %w", err)
			}
		}
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent configuration
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeStringSlice(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
