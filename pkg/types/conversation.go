// Package types defines core data structures for Muster
package types

// ConversationRole represents the role of a message sender
type ConversationRole string

const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
	ConversationRoleTool      ConversationRole = "tool"
)

// ConversationTurn is a single message or tool exchange inside a task run.
// Turns are owned by the workflow run that produced them and surface only
// through the run's result and the persisted conversation history.
type ConversationTurn struct {
	ID         string           `json:"id,omitempty" db:"id"`
	TaskID     string           `json:"task_id,omitempty" db:"task_id"`
	TurnNumber int              `json:"turn_number" db:"turn_number"`
	Role       ConversationRole `json:"role" db:"role"`
	Content    string           `json:"content" db:"content"`

	// Tool fields, populated for assistant tool requests and tool results
	ToolCallID string `json:"tool_call_id,omitempty" db:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty" db:"tool_name"`
	ToolInput  string `json:"tool_input,omitempty" db:"tool_input"`

	TokensUsed int     `json:"tokens_used,omitempty" db:"tokens_used"`
	Cost       float64 `json:"cost,omitempty" db:"cost"`
	CreatedAt  int64   `json:"created_at,omitempty" db:"created_at"`
}

// ConversationStats summarizes a persisted conversation history
type ConversationStats struct {
	TotalTurns     int     `json:"total_turns"`
	UserTurns      int     `json:"user_turns"`
	AssistantTurns int     `json:"assistant_turns"`
	ToolTurns      int     `json:"tool_turns"`
	TotalTokens    int     `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
}

// SummarizeConversation aggregates turn counts, token usage, and cost
// over a conversation history.
func SummarizeConversation(turns []ConversationTurn) ConversationStats {
	stats := ConversationStats{TotalTurns: len(turns)}
	for _, turn := range turns {
		switch turn.Role {
		case ConversationRoleUser:
			stats.UserTurns++
		case ConversationRoleAssistant:
			stats.AssistantTurns++
		case ConversationRoleTool:
			stats.ToolTurns++
		}
		stats.TotalTokens += turn.TokensUsed
		stats.TotalCost += turn.Cost
	}
	return stats
}
