// Package types defines core data structures for Muster
package types

import (
	"fmt"
	"strings"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	// TaskStatusPending means the task is persisted but not yet submitted
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusSubmitted is a legacy intake value. The manager never
	// writes it: submission maps straight to running at the moment the
	// execution id is captured. Kept so old records still parse.
	TaskStatusSubmitted TaskStatus = "submitted"
	// TaskStatusRunning means a workflow run was started and its execution
	// id has been recorded on the task
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a run may be in flight for a task in this
// status. Legacy submitted records count: a workflow may exist for them
// even though no execution id was recorded yet, so callers gate on this
// rather than on running or submitted alone.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusRunning || s == TaskStatusSubmitted
}

// ErrorCode classifies task failures
type ErrorCode string

const (
	ErrorCodeConfiguration ErrorCode = "configuration_error"
	ErrorCodeToolDiscovery ErrorCode = "tool_discovery_error"
	ErrorCodeLLM           ErrorCode = "llm_error"
	ErrorCodeTool          ErrorCode = "tool_error"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeCancelled     ErrorCode = "cancelled"
	ErrorCodeExhausted     ErrorCode = "iterations_exhausted"
	ErrorCodeBudget        ErrorCode = "budget_exhausted"
	ErrorCodeInternal      ErrorCode = "internal_error"
)

// Task represents a unit of agent work
type Task struct {
	ID          string            `json:"id" db:"id"`
	AgentID     string            `json:"agent_id" db:"agent_id"`
	UserID      string            `json:"user_id" db:"user_id"`
	Title       string            `json:"title" db:"title"`
	Description string            `json:"description" db:"description"`
	Query       string            `json:"query" db:"query"`
	Parameters  map[string]string `json:"parameters,omitempty" db:"parameters"`
	Metadata    map[string]any    `json:"metadata,omitempty" db:"metadata"`

	Status       TaskStatus `json:"status" db:"status"`
	ExecutionID  string     `json:"execution_id,omitempty" db:"execution_id"`
	Result       string     `json:"result,omitempty" db:"result"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	ErrorCode    ErrorCode  `json:"error_code,omitempty" db:"error_code"`

	CreatedAt   int64  `json:"created_at" db:"created_at"`
	UpdatedAt   int64  `json:"updated_at" db:"updated_at"`
	StartedAt   *int64 `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *int64 `json:"completed_at,omitempty" db:"completed_at"`
}

// Validate checks the invariants a task must satisfy before it can be
// persisted. Lifecycle fields are only checked when set, since a freshly
// built task has none of them yet.
func (t *Task) Validate() error {
	var missing []string
	if strings.TrimSpace(t.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(t.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(t.Query) == "" {
		missing = append(missing, "query")
	}
	if strings.TrimSpace(t.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(t.AgentID) == "" {
		missing = append(missing, "agent_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("task is missing required fields: %s", strings.Join(missing, ", "))
	}

	if t.StartedAt != nil && *t.StartedAt < t.CreatedAt {
		return fmt.Errorf("started_at %d precedes created_at %d", *t.StartedAt, t.CreatedAt)
	}
	if t.CompletedAt != nil {
		if *t.CompletedAt < t.CreatedAt {
			return fmt.Errorf("completed_at %d precedes created_at %d", *t.CompletedAt, t.CreatedAt)
		}
		if t.StartedAt != nil && *t.CompletedAt < *t.StartedAt {
			return fmt.Errorf("completed_at %d precedes started_at %d", *t.CompletedAt, *t.StartedAt)
		}
	}
	if t.Status == TaskStatusRunning && t.ExecutionID == "" {
		return fmt.Errorf("running task %s has no execution id", t.ID)
	}
	return nil
}

// TaskFilter selects tasks for list queries
type TaskFilter struct {
	UserID  string     `json:"user_id,omitempty"`
	AgentID string     `json:"agent_id,omitempty"`
	Status  TaskStatus `json:"status,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}
