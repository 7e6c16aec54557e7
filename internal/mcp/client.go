// Package mcp provides the tool-server client used by the reasoning loop.
// Servers speak the Model Context Protocol; discovery and invocation go
// through mcp-go. Server lifecycle (starting/stopping the processes or
// containers behind these endpoints) is out of scope here.
package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ServerRef identifies one tool server
type ServerRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ParseServerRef parses "name=url" (or a bare url) into a ServerRef
func ParseServerRef(s string) (ServerRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ServerRef{}, fmt.Errorf("empty tool server reference")
	}
	if name, url, ok := strings.Cut(s, "="); ok && !strings.Contains(name, "://") {
		return ServerRef{Name: name, URL: url}, nil
	}
	return ServerRef{Name: s, URL: s}, nil
}

// ToolDef is a tool schema discovered from a server
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Server      ServerRef      `json:"server"`
}

// ToolResult is the outcome of one tool invocation. Tool-level failures
// come back with Success=false, never as an error.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Conn is one live connection to a tool server
type Conn interface {
	ListTools(ctx context.Context) ([]ToolDef, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	Close() error
}

// Dialer opens connections to tool servers
type Dialer interface {
	Dial(ctx context.Context, ref ServerRef) (Conn, error)
}

// SSEDialer dials MCP servers over SSE transport
type SSEDialer struct{}

// Dial connects to a server and completes the MCP initialize handshake
func (SSEDialer) Dial(ctx context.Context, ref ServerRef) (Conn, error) {
	cli, err := mcpclient.NewSSEMCPClient(ref.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", ref.Name, err)
	}
	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting transport for %s: %w", ref.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "muster", Version: "0.1.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return nil, fmt.Errorf("initializing %s: %w", ref.Name, err)
	}

	return &conn{ref: ref, cli: cli}, nil
}

type conn struct {
	ref ServerRef
	cli *mcpclient.Client
}

func (c *conn) ListTools(ctx context.Context) ([]ToolDef, error) {
	res, err := c.cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", c.ref.Name, err)
	}

	tools := make([]ToolDef, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema := map[string]any{"type": t.InputSchema.Type}
		if len(t.InputSchema.Properties) > 0 {
			schema["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			schema["required"] = t.InputSchema.Required
		}
		tools = append(tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Server:      c.ref,
		})
	}
	return tools, nil
}

func (c *conn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.cli.CallTool(ctx, req)
	if err != nil {
		// Transport failure, not a tool failure: surface as an error so
		// the activity layer can retry
		return nil, fmt.Errorf("calling %s on %s: %w", name, c.ref.Name, err)
	}

	output := flattenContent(res.Content)
	if res.IsError {
		return &ToolResult{Success: false, Error: output}, nil
	}
	return &ToolResult{Success: true, Output: output}, nil
}

func (c *conn) Close() error {
	return c.cli.Close()
}

func flattenContent(content []mcp.Content) string {
	var sb strings.Builder
	for _, item := range content {
		if tc, ok := item.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
