package activities

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/llm"
	"github.com/outpost-labs/muster/internal/mcp"
)

type fakeConn struct {
	tools    []mcp.ToolDef
	listErr  error
	result   *mcp.ToolResult
	callErr  error
	lastName string
	lastArgs map[string]any
	closed   bool
}

func (c *fakeConn) ListTools(ctx context.Context) ([]mcp.ToolDef, error) {
	return c.tools, c.listErr
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	c.lastName = name
	c.lastArgs = args
	return c.result, c.callErr
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	conns   map[string]*fakeConn
	dialErr map[string]error
}

func (d *fakeDialer) Dial(ctx context.Context, ref mcp.ServerRef) (mcp.Conn, error) {
	if err, ok := d.dialErr[ref.Name]; ok {
		return nil, err
	}
	conn, ok := d.conns[ref.Name]
	if !ok {
		return nil, errors.New("no such server")
	}
	return conn, nil
}

func toolDef(name, server string) mcp.ToolDef {
	return mcp.ToolDef{
		Name:        name,
		Description: name + " tool",
		InputSchema: map[string]any{"type": "object"},
		Server:      mcp.ServerRef{Name: server, URL: "http://" + server},
	}
}

func toolCall(name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:       "call-1",
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: args},
	}
}

func TestDiscoverToolsMergesServers(t *testing.T) {
	dialer := &fakeDialer{conns: map[string]*fakeConn{
		"calc":   {tools: []mcp.ToolDef{toolDef("add", "calc")}},
		"search": {tools: []mcp.ToolDef{toolDef("web_search", "search")}},
	}}
	set := &Set{Dialer: dialer}

	tools, err := set.DiscoverTools(context.Background(), agents.RuntimeConfig{
		ToolServers: []mcp.ServerRef{
			{Name: "calc", URL: "http://calc"},
			{Name: "search", URL: "http://search"},
		},
	})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "add", tools[0].Name)
	assert.Equal(t, "web_search", tools[1].Name)
	assert.True(t, dialer.conns["calc"].closed)
}

func TestDiscoverToolsExcludesFailingServer(t *testing.T) {
	dialer := &fakeDialer{
		conns:   map[string]*fakeConn{"calc": {tools: []mcp.ToolDef{toolDef("add", "calc")}}},
		dialErr: map[string]error{"down": errors.New("connection refused")},
	}
	set := &Set{Dialer: dialer}

	tools, err := set.DiscoverTools(context.Background(), agents.RuntimeConfig{
		ToolServers: []mcp.ServerRef{
			{Name: "down", URL: "http://down"},
			{Name: "calc", URL: "http://calc"},
		},
	})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "add", tools[0].Name)
}

func TestDiscoverToolsNoServers(t *testing.T) {
	set := &Set{Dialer: &fakeDialer{}}
	tools, err := set.DiscoverTools(context.Background(), agents.RuntimeConfig{})
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestExecuteToolPassesParsedArguments(t *testing.T) {
	conn := &fakeConn{result: &mcp.ToolResult{Success: true, Output: "4"}}
	set := &Set{Dialer: &fakeDialer{conns: map[string]*fakeConn{"calc": conn}}}

	out, err := set.ExecuteTool(context.Background(), ToolCallInput{
		Call:  toolCall("add", `{"a": 2, "b": 2}`),
		Tools: []mcp.ToolDef{toolDef("add", "calc")},
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "4", out.Result)
	assert.Equal(t, "add", conn.lastName)
	assert.Equal(t, map[string]any{"a": float64(2), "b": float64(2)}, conn.lastArgs)
	assert.True(t, conn.closed)
}

func TestExecuteToolUnknownToolIsData(t *testing.T) {
	set := &Set{Dialer: &fakeDialer{}}

	out, err := set.ExecuteTool(context.Background(), ToolCallInput{
		Call:  toolCall("nope", "{}"),
		Tools: []mcp.ToolDef{toolDef("add", "calc")},
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unknown tool")
}

func TestExecuteToolBadArgumentsIsData(t *testing.T) {
	set := &Set{Dialer: &fakeDialer{}}

	out, err := set.ExecuteTool(context.Background(), ToolCallInput{
		Call:  toolCall("add", `{"a": `),
		Tools: []mcp.ToolDef{toolDef("add", "calc")},
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "invalid arguments")
}

func TestExecuteToolServerErrorIsData(t *testing.T) {
	conn := &fakeConn{result: &mcp.ToolResult{Success: false, Error: "division by zero"}}
	set := &Set{Dialer: &fakeDialer{conns: map[string]*fakeConn{"calc": conn}}}

	out, err := set.ExecuteTool(context.Background(), ToolCallInput{
		Call:  toolCall("div", `{"a": 1, "b": 0}`),
		Tools: []mcp.ToolDef{toolDef("div", "calc")},
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "division by zero", out.Error)
}

func TestExecuteToolTransportFailureIsError(t *testing.T) {
	set := &Set{Dialer: &fakeDialer{dialErr: map[string]error{"calc": errors.New("refused")}}}

	_, err := set.ExecuteTool(context.Background(), ToolCallInput{
		Call:  toolCall("add", "{}"),
		Tools: []mcp.ToolDef{toolDef("add", "calc")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")

	conn := &fakeConn{callErr: errors.New("stream reset")}
	set = &Set{Dialer: &fakeDialer{conns: map[string]*fakeConn{"calc": conn}}}

	_, err = set.ExecuteTool(context.Background(), ToolCallInput{
		Call:  toolCall("add", "{}"),
		Tools: []mcp.ToolDef{toolDef("add", "calc")},
	})
	assert.Error(t, err)
}

func TestCallLLMRecordsCost(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.ChatResponse{
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: "hi"},
			FinishReason: llm.FinishReasonStop,
		}},
		Usage: llm.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	})
	tracker := llm.NewCostTracker(llm.CostBudgetConfig{Enabled: true})
	set := &Set{Provider: provider, Tracker: tracker}

	out, err := set.CallLLM(context.Background(), LLMCallInput{
		Model:    "mock-model",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Message.Content)
	assert.Equal(t, llm.FinishReasonStop, out.FinishReason)
	assert.Equal(t, 30, out.Usage.TotalTokens)
}

func TestCallLLMProviderFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	provider := llm.NewScriptedProvider(llm.ChatResponse{})
	set := &Set{Provider: provider}

	_, err := set.CallLLM(ctx, LLMCallInput{Model: "mock-model"})
	assert.Error(t, err)
}

func TestToolsForModelAppendsCompletionTool(t *testing.T) {
	tools := ToolsForModel([]mcp.ToolDef{toolDef("add", "calc")})
	require.Len(t, tools, 2)

	assert.Equal(t, "add", tools[0].Function.Name)
	assert.Equal(t, "function", tools[0].Type)

	last := tools[len(tools)-1]
	assert.Equal(t, CompletionToolName, last.Function.Name)
	assert.Equal(t, []string{"result"}, last.Function.Parameters["required"])
}

func TestToolsForModelEmptyStillOffersCompletion(t *testing.T) {
	tools := ToolsForModel(nil)
	require.Len(t, tools, 1)
	assert.Equal(t, CompletionToolName, tools[0].Function.Name)
}

func TestPublishEventsNilPublisher(t *testing.T) {
	set := &Set{}
	assert.NoError(t, set.PublishEvents(context.Background(), nil))
}
