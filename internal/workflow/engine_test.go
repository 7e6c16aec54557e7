package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-labs/muster/internal/activities"
	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/llm"
	"github.com/outpost-labs/muster/internal/mcp"
	"github.com/outpost-labs/muster/pkg/types"
)

type llmStep struct {
	out activities.LLMCallOutput
	err error
}

// fakeRunner scripts the activity layer so the loop can be driven
// deterministically.
type fakeRunner struct {
	mu sync.Mutex

	cfg      agents.RuntimeConfig
	cfgErr   error
	tools    []mcp.ToolDef
	toolsErr error

	llmScript []llmStep
	llmCalls  []activities.LLMCallInput

	toolResults map[string]activities.ToolCallOutput
	toolErrs    map[string]error
	toolCalls   []llm.ToolCall
	onToolCall  func(llm.ToolCall)

	events []*events.Event
}

func (f *fakeRunner) BuildAgentConfig(ctx context.Context, agentID string) (agents.RuntimeConfig, error) {
	return f.cfg, f.cfgErr
}

func (f *fakeRunner) DiscoverTools(ctx context.Context, cfg agents.RuntimeConfig) ([]mcp.ToolDef, error) {
	return f.tools, f.toolsErr
}

func (f *fakeRunner) CallLLM(ctx context.Context, in activities.LLMCallInput) (activities.LLMCallOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.llmCalls = append(f.llmCalls, in)
	i := len(f.llmCalls) - 1
	if i >= len(f.llmScript) {
		i = len(f.llmScript) - 1
	}
	step := f.llmScript[i]
	return step.out, step.err
}

func (f *fakeRunner) ExecuteTool(ctx context.Context, in activities.ToolCallInput) (activities.ToolCallOutput, error) {
	f.mu.Lock()
	f.toolCalls = append(f.toolCalls, in.Call)
	cb := f.onToolCall
	f.mu.Unlock()
	if cb != nil {
		cb(in.Call)
	}
	if err, ok := f.toolErrs[in.Call.Function.Name]; ok {
		return activities.ToolCallOutput{}, err
	}
	if res, ok := f.toolResults[in.Call.Function.Name]; ok {
		return res, nil
	}
	return activities.ToolCallOutput{Success: true, Result: "ok"}, nil
}

func (f *fakeRunner) PublishEvents(ctx context.Context, batch []*events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, batch...)
	return nil
}

func (f *fakeRunner) eventTypes() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func assistantText(content, finish string) llmStep {
	return llmStep{out: activities.LLMCallOutput{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		FinishReason: finish,
		Usage:        llm.Usage{TotalTokens: 50},
	}}
}

func assistantToolCall(name, args string) llmStep {
	return llmStep{out: activities.LLMCallOutput{
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:       "call-" + name,
				Type:     "function",
				Function: llm.FunctionCall{Name: name, Arguments: args},
			}},
		},
		FinishReason: "tool_calls",
	}}
}

func newTestEngine(runner ActivityRunner) (*Engine, *SignalRegistry, *RunRegistry) {
	signals := NewSignalRegistry()
	runs := NewRunRegistry()
	e := NewEngine(runner, signals, runs)
	e.PausePoll = time.Millisecond
	return e, signals, runs
}

func testRequest() types.AgentExecutionRequest {
	return types.AgentExecutionRequest{
		TaskID:  "task-1",
		AgentID: "agent-1",
		UserID:  "user-1",
		Query:   "what is up",
	}
}

func TestExecuteSingleResponseCompletes(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o-mini", Instruction: "be brief", MaxIterations: 1},
		llmScript: []llmStep{assistantText("done", llm.FinishReasonStop)},
	}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.True(t, result.Success)
	assert.Equal(t, "done", result.FinalResponse)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 0, result.ToolCalls)
	// system, user, assistant
	require.Len(t, result.History, 3)
	assert.Equal(t, types.ConversationRoleSystem, result.History[0].Role)
	assert.Equal(t, types.ConversationRoleUser, result.History[1].Role)
	assert.Equal(t, types.ConversationRoleAssistant, result.History[2].Role)
}

func TestExecuteToolLoop(t *testing.T) {
	runner := &fakeRunner{
		cfg: agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 5},
		tools: []mcp.ToolDef{
			{Name: "search", Server: mcp.ServerRef{Name: "srv"}},
		},
		llmScript: []llmStep{
			assistantToolCall("search", `{"q":"up"}`),
			assistantText("the sky", llm.FinishReasonStop),
		},
		toolResults: map[string]activities.ToolCallOutput{
			"search": {Success: true, Result: "found: the sky"},
		},
	}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 1, result.ToolCalls)
	assert.Equal(t, "the sky", result.FinalResponse)

	// user, assistant, tool, assistant
	require.Len(t, result.History, 4)
	assert.Equal(t, types.ConversationRoleUser, result.History[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, result.History[1].Role)
	assert.Equal(t, types.ConversationRoleTool, result.History[2].Role)
	assert.Equal(t, "found: the sky", result.History[2].Content)
	assert.Equal(t, "search", result.History[2].ToolName)
	assert.Equal(t, types.ConversationRoleAssistant, result.History[3].Role)

	// The second model call must carry the tool result.
	require.Len(t, runner.llmCalls, 2)
	last := runner.llmCalls[1].Messages[len(runner.llmCalls[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
}

func TestExecuteCompletionTool(t *testing.T) {
	runner := &fakeRunner{
		cfg: agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 5},
		llmScript: []llmStep{
			assistantToolCall(activities.CompletionToolName, `{"result":"42"}`),
		},
	}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.True(t, result.Success)
	assert.Equal(t, "42", result.FinalResponse)
	assert.Equal(t, 1, result.Iterations)
	// The completion call never reaches a tool server.
	assert.Empty(t, runner.toolCalls)
}

func TestExecuteToolFailureFeedsBack(t *testing.T) {
	runner := &fakeRunner{
		cfg:   agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 5},
		tools: []mcp.ToolDef{{Name: "flaky", Server: mcp.ServerRef{Name: "srv"}}},
		llmScript: []llmStep{
			assistantToolCall("flaky", `{}`),
			assistantText("recovered without the tool", llm.FinishReasonStop),
		},
		toolResults: map[string]activities.ToolCallOutput{
			"flaky": {Success: false, Error: "boom"},
		},
	}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.True(t, result.Success)
	assert.Equal(t, "recovered without the tool", result.FinalResponse)

	// The failure is conversation data, not a run failure.
	require.Len(t, runner.llmCalls, 2)
	msgs := runner.llmCalls[1].Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, "boom")
}

func TestExecuteIterationsExhaustedFails(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 2},
		llmScript: []llmStep{assistantText("still thinking", "length")},
	}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrorCodeExhausted, result.ErrorCode)
	assert.Equal(t, 2, result.Iterations)
}

func TestExecuteIterationsExhaustedCompletePolicy(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 2},
		llmScript: []llmStep{assistantText("best effort answer", "length")},
	}
	e, _, _ := newTestEngine(runner)
	e.Exhaustion = ExhaustComplete

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.True(t, result.Success)
	assert.Equal(t, "best effort answer", result.FinalResponse)
	assert.Equal(t, 2, result.Iterations)
}

func TestExecuteBudgetExhausted(t *testing.T) {
	costly := assistantText("expensive thought", "length")
	costly.out.CostUSD = 0.2
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 50, BudgetUSD: 0.3},
		llmScript: []llmStep{costly},
	}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrorCodeBudget, result.ErrorCode)
	assert.Equal(t, 2, result.Iterations)
	assert.InDelta(t, 0.4, result.TotalCost, 1e-9)
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 50, TimeoutSeconds: 60},
		llmScript: []llmStep{assistantText("still going", "length")},
	}
	e, _, _ := newTestEngine(runner)

	start := time.Now()
	var calls int
	e.Now = func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(2 * time.Minute)
	}

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrorCodeTimeout, result.ErrorCode)
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 5},
		llmScript: []llmStep{assistantText("unreachable", llm.FinishReasonStop)},
	}
	e, signals, _ := newTestEngine(runner)
	signals.Cancel("task-1")

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrorCodeCancelled, result.ErrorCode)
	assert.Equal(t, 0, result.Iterations)
}

func TestExecuteCancelledBetweenIterations(t *testing.T) {
	runner := &fakeRunner{
		cfg:   agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 50},
		tools: []mcp.ToolDef{{Name: "slow", Server: mcp.ServerRef{Name: "srv"}}},
		llmScript: []llmStep{
			assistantToolCall("slow", `{}`),
			assistantText("unreachable", llm.FinishReasonStop),
		},
	}
	e, signals, _ := newTestEngine(runner)
	runner.onToolCall = func(llm.ToolCall) { signals.Cancel("task-1") }

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrorCodeCancelled, result.ErrorCode)
	assert.Equal(t, 1, result.Iterations)
	// The in-flight iteration finished; no second model call happened.
	assert.Len(t, runner.llmCalls, 1)
}

func TestExecutePauseResume(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 5},
		llmScript: []llmStep{assistantText("done", llm.FinishReasonStop)},
	}
	e, signals, _ := newTestEngine(runner)
	signals.Pause("task-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		signals.Resume("task-1")
	}()

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.True(t, result.Success)
	typesSeen := runner.eventTypes()
	assert.Contains(t, typesSeen, events.EventTaskPaused)
	assert.Contains(t, typesSeen, events.EventTaskResumed)
}

func TestExecuteConfigurationError(t *testing.T) {
	runner := &fakeRunner{cfgErr: agents.ErrNotFound}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrorCodeConfiguration, result.ErrorCode)
}

func TestExecuteLLMError(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 5},
		llmScript: []llmStep{{err: context.DeadlineExceeded}},
	}
	e, _, _ := newTestEngine(runner)

	result := e.Execute(context.Background(), testRequest(), "exec-1")

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrorCodeLLM, result.ErrorCode)
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	runner := &fakeRunner{
		cfg:       agents.RuntimeConfig{AgentID: "agent-1", Model: "gpt-4o", MaxIterations: 5},
		llmScript: []llmStep{assistantText("done", llm.FinishReasonStop)},
	}
	e, _, _ := newTestEngine(runner)

	e.Execute(context.Background(), testRequest(), "exec-1")

	seen := runner.eventTypes()
	assert.Equal(t, events.EventTaskStarted, seen[0])
	assert.Contains(t, seen, events.EventLLMCallStarted)
	assert.Contains(t, seen, events.EventLLMCallCompleted)
}
