// Package types defines core data structures for Muster
package types

// AgentExecutionRequest is the input contract for one workflow run
type AgentExecutionRequest struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id"`
	Query   string `json:"query"`

	// Tunable limits. Zero values fall back to configured defaults.
	MaxIterations  int     `json:"max_iterations,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	BudgetUSD      float64 `json:"budget_usd,omitempty"`
}

// AgentExecutionResult is returned once, at workflow completion
type AgentExecutionResult struct {
	Success       bool               `json:"success"`
	FinalResponse string             `json:"final_response,omitempty"`
	History       []ConversationTurn `json:"conversation_history,omitempty"`
	Iterations    int                `json:"reasoning_iterations"`
	ToolCalls     int                `json:"total_tool_calls"`
	TotalCost     float64            `json:"total_cost"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	ErrorCode     ErrorCode          `json:"error_code,omitempty"`
}

// ExecutionSnapshot is a read-only, point-in-time view of a run
type ExecutionSnapshot struct {
	TaskID           string  `json:"task_id"`
	ExecutionID      string  `json:"execution_id"`
	State            string  `json:"state"`
	Iteration        int     `json:"iteration"`
	ToolCalls        int     `json:"tool_calls"`
	CostUSD          float64 `json:"cost_usd"`
	Paused           bool    `json:"paused"`
	Done             bool    `json:"done"`
	Success          bool    `json:"success"`
	HasFinalResponse bool    `json:"has_final_response"`
	FinalResponse    string  `json:"final_response,omitempty"`
	StartedAt        int64   `json:"started_at"`
}
