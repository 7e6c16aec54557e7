// Package activities implements the reasoning activity set: stateless,
// independently retryable steps the task execution workflow composes.
// No activity keeps mutable state across calls.
package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/llm"
	"github.com/outpost-labs/muster/internal/mcp"
)

// CompletionToolName is the designated tool an agent calls to declare the
// task finished. It is offered to the model alongside discovered tools and
// handled by the workflow, never sent to a tool server.
const CompletionToolName = "task_complete"

// Set holds the collaborators the activities invoke. The struct itself is
// stateless; every field is safe for concurrent use.
type Set struct {
	Resolver  agents.Resolver
	Dialer    mcp.Dialer
	Provider  llm.Provider
	Publisher *events.Publisher
	Tracker   *llm.CostTracker
}

// BuildAgentConfig resolves the agent's model, instructions, and tool
// server bindings. Unknown agents and missing model bindings are
// unrecoverable for the run.
func (s *Set) BuildAgentConfig(ctx context.Context, agentID string) (agents.RuntimeConfig, error) {
	return s.Resolver.Resolve(ctx, agentID)
}

// DiscoverTools queries configured tool servers for their schemas. No
// configured servers is not an error: tasks may not need tools. A
// malfunctioning server is logged and excluded rather than aborting the
// whole task.
func (s *Set) DiscoverTools(ctx context.Context, cfg agents.RuntimeConfig) ([]mcp.ToolDef, error) {
	var tools []mcp.ToolDef
	for _, ref := range cfg.ToolServers {
		conn, err := s.Dialer.Dial(ctx, ref)
		if err != nil {
			log.Printf("[activities] tool server %s unavailable, excluding: %v", ref.Name, err)
			continue
		}
		serverTools, err := conn.ListTools(ctx)
		conn.Close()
		if err != nil {
			log.Printf("[activities] tool discovery failed on %s, excluding: %v", ref.Name, err)
			continue
		}
		tools = append(tools, serverTools...)
	}
	return tools, nil
}

// LLMCallInput is the serializable input for one model invocation
type LLMCallInput struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Tools       []mcp.ToolDef `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// LLMCallOutput is the result of one model invocation
type LLMCallOutput struct {
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
	Usage        llm.Usage   `json:"usage"`
	CostUSD      float64     `json:"cost_usd"`
}

// CallLLM invokes the model with the running conversation and the
// available tools. Provider failures surface as errors; the workflow's
// retry policy decides what happens next.
func (s *Set) CallLLM(ctx context.Context, in LLMCallInput) (LLMCallOutput, error) {
	req := &llm.ChatRequest{
		Model:       in.Model,
		Messages:    in.Messages,
		Tools:       ToolsForModel(in.Tools),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}

	resp, err := s.Provider.Chat(ctx, req)
	if err != nil {
		return LLMCallOutput{}, fmt.Errorf("llm call failed: %w", err)
	}

	out := LLMCallOutput{
		Message:      resp.First(),
		FinishReason: resp.FinishReason(),
		Usage:        resp.Usage,
	}
	if cost, err := s.Provider.CalculateCost(in.Model, &resp.Usage); err == nil && cost != nil {
		out.CostUSD = cost.TotalCost
		if s.Tracker != nil {
			s.Tracker.RecordCost(cost)
		}
	}
	return out, nil
}

// ToolCallInput is the serializable input for one tool invocation
type ToolCallInput struct {
	Call  llm.ToolCall  `json:"call"`
	Tools []mcp.ToolDef `json:"tools"`
}

// ToolCallOutput is the structured outcome of one tool invocation
type ToolCallOutput struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecuteTool invokes one tool call against its owning server. Tool-level
// failures (bad arguments, tool errors, unknown tools) are returned as
// structured results and fed back into the conversation so the model can
// react; only transport failures are raised as activity errors.
func (s *Set) ExecuteTool(ctx context.Context, in ToolCallInput) (ToolCallOutput, error) {
	name := in.Call.Function.Name

	var owner *mcp.ToolDef
	for i := range in.Tools {
		if in.Tools[i].Name == name {
			owner = &in.Tools[i]
			break
		}
	}
	if owner == nil {
		return ToolCallOutput{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}

	var args map[string]any
	if in.Call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(in.Call.Function.Arguments), &args); err != nil {
			return ToolCallOutput{Success: false, Error: fmt.Sprintf("invalid arguments for %s: %v", name, err)}, nil
		}
	}

	conn, err := s.Dialer.Dial(ctx, owner.Server)
	if err != nil {
		return ToolCallOutput{}, fmt.Errorf("tool server %s unreachable: %w", owner.Server.Name, err)
	}
	defer conn.Close()

	res, err := conn.CallTool(ctx, name, args)
	if err != nil {
		return ToolCallOutput{}, err
	}
	if !res.Success {
		return ToolCallOutput{Success: false, Error: res.Error}, nil
	}
	return ToolCallOutput{Success: true, Result: res.Output}, nil
}

// PublishEvents fans the batch out to the event store and bus. Partial
// failure is absorbed by the publisher; a storage hiccup never blocks
// workflow progress.
func (s *Set) PublishEvents(ctx context.Context, batch []*events.Event) error {
	if s.Publisher == nil {
		return nil
	}
	return s.Publisher.Publish(ctx, batch)
}

// ToolsForModel converts discovered tool schemas to the model's tool
// format and appends the designated completion tool.
func ToolsForModel(tools []mcp.ToolDef) []llm.Tool {
	out := make([]llm.Tool, 0, len(tools)+1)
	for _, t := range tools {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	out = append(out, llm.Tool{
		Type: "function",
		Function: llm.FunctionSpec{
			Name:        CompletionToolName,
			Description: "Call this when the task is fully answered. Pass the final answer as `result`.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"result": map[string]any{"type": "string", "description": "Final answer for the task"},
				},
				"required": []string{"result"},
			},
		},
	})
	return out
}
