// Package workflow drives the agent reasoning loop: repeated model calls
// interleaved with tool executions until a termination condition holds.
// The engine is a state machine over an ActivityRunner; durability is the
// runner's concern, not the loop's.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/outpost-labs/muster/internal/activities"
	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/llm"
	"github.com/outpost-labs/muster/internal/mcp"
	"github.com/outpost-labs/muster/pkg/types"
)

// ActivityRunner executes the individual reasoning activities. The
// production runner wraps each call in a durable step; tests supply plain
// implementations.
type ActivityRunner interface {
	BuildAgentConfig(ctx context.Context, agentID string) (agents.RuntimeConfig, error)
	DiscoverTools(ctx context.Context, cfg agents.RuntimeConfig) ([]mcp.ToolDef, error)
	CallLLM(ctx context.Context, in activities.LLMCallInput) (activities.LLMCallOutput, error)
	ExecuteTool(ctx context.Context, in activities.ToolCallInput) (activities.ToolCallOutput, error)
	PublishEvents(ctx context.Context, batch []*events.Event) error
}

const defaultPausePoll = 500 * time.Millisecond

// Engine runs one task's reasoning loop to a terminal result
type Engine struct {
	Runner  ActivityRunner
	Signals *SignalRegistry
	Runs    *RunRegistry

	// PausePoll is how often a paused loop re-reads its signals.
	PausePoll time.Duration
	// Exhaustion applies when neither the agent nor the request sets a
	// policy for runs that hit the iteration limit.
	Exhaustion ExhaustionPolicy
	// Now is swappable for tests.
	Now func() time.Time
}

func NewEngine(runner ActivityRunner, signals *SignalRegistry, runs *RunRegistry) *Engine {
	return &Engine{
		Runner:    runner,
		Signals:   signals,
		Runs:      runs,
		PausePoll: defaultPausePoll,
		Now:       time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// run is the engine's in-flight loop state
type run struct {
	req         types.AgentExecutionRequest
	executionID string
	limits      Limits
	started     time.Time

	messages  []llm.Message
	history   []types.ConversationTurn
	tools     []mcp.ToolDef
	iteration int
	toolCalls int
	costUSD   float64
}

func (r *run) elapsed(now time.Time) float64 {
	return now.Sub(r.started).Seconds()
}

func (r *run) state() LoopState {
	return LoopState{
		Iterations: r.iteration,
		CostUSD:    r.costUSD,
	}
}

// Execute drives the task to a terminal result. Failures are reported in
// the result's error code rather than as a Go error so the caller can
// finalize the task record in one place.
func (e *Engine) Execute(ctx context.Context, req types.AgentExecutionRequest, executionID string) types.AgentExecutionResult {
	r := &run{req: req, executionID: executionID, started: e.now()}

	e.snapshot(r, func(s *types.ExecutionSnapshot) {
		s.TaskID = req.TaskID
		s.ExecutionID = executionID
		s.State = "initializing"
		s.StartedAt = r.started.Unix()
	})
	e.emit(ctx, r, events.EventTaskStarted, map[string]any{
		"execution_id": executionID,
		"agent_id":     req.AgentID,
	})

	cfg, err := e.Runner.BuildAgentConfig(ctx, req.AgentID)
	if err != nil {
		return e.fail(ctx, r, types.ErrorCodeConfiguration, fmt.Sprintf("agent configuration failed: %v", err))
	}
	r.limits = mergeLimits(req, cfg)
	if e.Exhaustion != "" {
		r.limits.Exhaustion = e.Exhaustion
	}

	e.snapshot(r, func(s *types.ExecutionSnapshot) { s.State = "discovering_tools" })
	r.tools, err = e.Runner.DiscoverTools(ctx, cfg)
	if err != nil {
		return e.fail(ctx, r, types.ErrorCodeToolDiscovery, fmt.Sprintf("tool discovery failed: %v", err))
	}

	if cfg.Instruction != "" {
		e.append(r, llm.Message{Role: llm.RoleSystem, Content: cfg.Instruction})
	}
	e.append(r, llm.Message{Role: llm.RoleUser, Content: req.Query})

	var lastResponse string
	for {
		if outcome, done := e.checkpoint(ctx, r); done {
			return e.terminate(ctx, r, outcome, lastResponse)
		}

		e.snapshot(r, func(s *types.ExecutionSnapshot) { s.State = "reasoning" })
		signaled, response, err := e.reason(ctx, r, cfg)
		if err != nil {
			return e.fail(ctx, r, types.ErrorCodeLLM, err.Error())
		}
		if response != "" {
			lastResponse = response
		}
		r.iteration++
		e.snapshot(r, func(s *types.ExecutionSnapshot) {
			s.Iteration = r.iteration
			s.ToolCalls = r.toolCalls
			s.CostUSD = r.costUSD
		})

		if signaled {
			return e.terminate(ctx, r, Decision{Done: true, Reason: ReasonCompletionSignal}, response)
		}
	}
}

// checkpoint is the loop's single control point: cancellation, pause, and
// every termination condition are observed here.
func (e *Engine) checkpoint(ctx context.Context, r *run) (Decision, bool) {
	if e.cancelled(ctx, r) {
		return Decision{Done: true, Reason: TerminationReason(types.ErrorCodeCancelled)}, true
	}

	if e.Signals != nil && e.Signals.IsPaused(r.req.TaskID) {
		e.emit(ctx, r, events.EventTaskPaused, map[string]any{"iteration": r.iteration})
		e.snapshot(r, func(s *types.ExecutionSnapshot) { s.Paused = true })
		for e.Signals.IsPaused(r.req.TaskID) {
			if e.cancelled(ctx, r) {
				return Decision{Done: true, Reason: TerminationReason(types.ErrorCodeCancelled)}, true
			}
			st := r.state()
			st.ElapsedSeconds = r.elapsed(e.now())
			if d := CheckTermination(st, r.limits); d.Done && d.Reason == ReasonTimeout {
				return d, true
			}
			time.Sleep(e.pausePoll())
		}
		e.snapshot(r, func(s *types.ExecutionSnapshot) { s.Paused = false })
		e.emit(ctx, r, events.EventTaskResumed, map[string]any{"iteration": r.iteration})
	}

	st := r.state()
	st.ElapsedSeconds = r.elapsed(e.now())
	d := CheckTermination(st, r.limits)
	return d, d.Done
}

func (e *Engine) pausePoll() time.Duration {
	if e.PausePoll > 0 {
		return e.PausePoll
	}
	return defaultPausePoll
}

func (e *Engine) cancelled(ctx context.Context, r *run) bool {
	if ctx.Err() != nil {
		return true
	}
	return e.Signals != nil && e.Signals.IsCancelled(r.req.TaskID)
}

// reason performs one iteration: a model call plus every tool execution
// it requested. Reports whether the agent signaled completion and the
// response text, if any.
func (e *Engine) reason(ctx context.Context, r *run, cfg agents.RuntimeConfig) (bool, string, error) {
	e.emit(ctx, r, events.EventLLMCallStarted, map[string]any{
		"iteration": r.iteration + 1,
		"model":     cfg.Model,
	})

	out, err := e.Runner.CallLLM(ctx, activities.LLMCallInput{
		Model:    cfg.Model,
		Messages: r.messages,
		Tools:    r.tools,
	})
	if err != nil {
		return false, "", err
	}
	r.costUSD += out.CostUSD

	e.emit(ctx, r, events.EventLLMCallCompleted, map[string]any{
		"iteration":     r.iteration + 1,
		"finish_reason": out.FinishReason,
		"tool_calls":    len(out.Message.ToolCalls),
		"tokens":        out.Usage.TotalTokens,
		"cost_usd":      out.CostUSD,
	})

	e.append(r, out.Message)
	if n := len(r.history); n > 0 {
		r.history[n-1].TokensUsed = out.Usage.TotalTokens
		r.history[n-1].Cost = out.CostUSD
	}

	// The designated completion call ends the run without touching a
	// tool server.
	for _, tc := range out.Message.ToolCalls {
		if tc.Function.Name == activities.CompletionToolName {
			return true, completionResult(tc, out.Message.Content), nil
		}
	}

	if len(out.Message.ToolCalls) == 0 {
		if out.FinishReason == llm.FinishReasonStop {
			return true, out.Message.Content, nil
		}
		return false, out.Message.Content, nil
	}

	for _, tc := range out.Message.ToolCalls {
		if err := e.executeToolCall(ctx, r, tc); err != nil {
			return false, out.Message.Content, err
		}
	}
	return false, out.Message.Content, nil
}

func (e *Engine) executeToolCall(ctx context.Context, r *run, tc llm.ToolCall) error {
	e.emit(ctx, r, events.EventToolCallStarted, map[string]any{
		"tool":         tc.Function.Name,
		"tool_call_id": tc.ID,
	})

	res, err := e.Runner.ExecuteTool(ctx, activities.ToolCallInput{Call: tc, Tools: r.tools})
	if err != nil {
		e.emit(ctx, r, events.EventToolCallCompleted, map[string]any{
			"tool":         tc.Function.Name,
			"tool_call_id": tc.ID,
			"success":      false,
			"error":        err.Error(),
		})
		return fmt.Errorf("tool %s: %w", tc.Function.Name, err)
	}
	r.toolCalls++

	content := res.Result
	if !res.Success {
		content = fmt.Sprintf("tool error: %s", res.Error)
	}
	e.append(r, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: tc.ID,
		Name:       tc.Function.Name,
	})
	if n := len(r.history); n > 0 {
		r.history[n-1].ToolName = tc.Function.Name
		r.history[n-1].ToolInput = tc.Function.Arguments
	}

	e.emit(ctx, r, events.EventToolCallCompleted, map[string]any{
		"tool":         tc.Function.Name,
		"tool_call_id": tc.ID,
		"success":      res.Success,
	})
	return nil
}

func (e *Engine) append(r *run, msg llm.Message) {
	r.messages = append(r.messages, msg)
	r.history = append(r.history, types.ConversationTurn{
		TaskID:     r.req.TaskID,
		Role:       types.ConversationRole(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		CreatedAt:  e.now().Unix(),
	})
}

func (e *Engine) terminate(ctx context.Context, r *run, d Decision, lastResponse string) types.AgentExecutionResult {
	switch d.Reason {
	case ReasonCompletionSignal:
		return e.finish(ctx, r, true, lastResponse, "", "")
	case ReasonTimeout:
		return e.finish(ctx, r, false, lastResponse, types.ErrorCodeTimeout,
			fmt.Sprintf("task exceeded %d second timeout", r.limits.TimeoutSeconds))
	case ReasonBudget:
		return e.finish(ctx, r, false, lastResponse, types.ErrorCodeBudget,
			fmt.Sprintf("cost budget of $%.4f exhausted after %d iterations", r.limits.BudgetUSD, r.iteration))
	case ReasonIterations:
		if r.limits.Exhaustion == ExhaustComplete && lastResponse != "" {
			return e.finish(ctx, r, true, lastResponse, "", "")
		}
		return e.finish(ctx, r, false, lastResponse, types.ErrorCodeExhausted,
			fmt.Sprintf("no completion after %d iterations", r.iteration))
	case TerminationReason(types.ErrorCodeCancelled):
		return e.finish(ctx, r, false, lastResponse, types.ErrorCodeCancelled, "task cancelled")
	default:
		return e.finish(ctx, r, false, lastResponse, types.ErrorCodeInternal,
			fmt.Sprintf("unexpected termination: %s", d.Reason))
	}
}

func (e *Engine) fail(ctx context.Context, r *run, code types.ErrorCode, msg string) types.AgentExecutionResult {
	log.Printf("[workflow] task %s failed: %s (%s)", r.req.TaskID, msg, code)
	return e.finish(ctx, r, false, "", code, msg)
}

func (e *Engine) finish(_ context.Context, r *run, success bool, response string, code types.ErrorCode, msg string) types.AgentExecutionResult {
	e.snapshot(r, func(s *types.ExecutionSnapshot) {
		s.State = "finalizing"
		s.Done = true
		s.Success = success
		s.HasFinalResponse = response != ""
		s.FinalResponse = response
	})
	return types.AgentExecutionResult{
		Success:       success,
		FinalResponse: response,
		History:       r.history,
		Iterations:    r.iteration,
		ToolCalls:     r.toolCalls,
		TotalCost:     r.costUSD,
		ErrorMessage:  msg,
		ErrorCode:     code,
	}
}

func (e *Engine) snapshot(r *run, fn func(*types.ExecutionSnapshot)) {
	if e.Runs == nil {
		return
	}
	e.Runs.Update(r.req.TaskID, fn)
}

func (e *Engine) emit(ctx context.Context, r *run, typ events.EventType, data map[string]any) {
	if err := e.Runner.PublishEvents(ctx, []*events.Event{
		events.NewEvent(typ, r.req.TaskID, data),
	}); err != nil {
		log.Printf("[workflow] event publish failed for %s: %v", r.req.TaskID, err)
	}
}

// mergeLimits folds request overrides over the agent's defaults
func mergeLimits(req types.AgentExecutionRequest, cfg agents.RuntimeConfig) Limits {
	lim := Limits{
		MaxIterations:  cfg.MaxIterations,
		TimeoutSeconds: cfg.TimeoutSeconds,
		BudgetUSD:      cfg.BudgetUSD,
		Exhaustion:     ExhaustFail,
	}
	if req.MaxIterations > 0 {
		lim.MaxIterations = req.MaxIterations
	}
	if req.TimeoutSeconds > 0 {
		lim.TimeoutSeconds = req.TimeoutSeconds
	}
	if req.BudgetUSD > 0 {
		lim.BudgetUSD = req.BudgetUSD
	}
	return lim
}

func completionResult(tc llm.ToolCall, fallback string) string {
	var args struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil && args.Result != "" {
		return args.Result
	}
	return fallback
}
