package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
)

// McpServerConfig identifies one configured MCP server by either a
// stdio command or an HTTP endpoint.
type McpServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Timeout time.Duration
}

func (c McpServerConfig) isStdio() bool { return c.Command != "" }

// ProgressEmitter streams mcp_tool_call progress notifications
// (item/mcpToolCall/progress) while a call is in flight.
type ProgressEmitter func(serverName, toolName string, message string)

// McpClient manages one live session per configured server and
// dispatches mcp_tool_call invocations to them, grounded on the
// connect-once/call-many session lifecycle the ecosystem MCP SDK
// expects.
type McpClient struct {
	mu       sync.Mutex
	servers  map[string]McpServerConfig
	sessions map[string]*gomcp.ClientSession
}

// NewMcpClient builds a client over the given server configs. Sessions
// connect lazily on first call.
func NewMcpClient(servers []McpServerConfig) *McpClient {
	byName := make(map[string]McpServerConfig, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	return &McpClient{servers: byName, sessions: make(map[string]*gomcp.ClientSession)}
}

func (c *McpClient) sessionFor(ctx context.Context, serverName string) (*gomcp.ClientSession, error) {
	c.mu.Lock()
	if s, ok := c.sessions[serverName]; ok {
		c.mu.Unlock()
		return s, nil
	}
	cfg, ok := c.servers[serverName]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mcp: server %q not configured", serverName)
	}

	client := gomcp.NewClient(&gomcp.Implementation{Name: "codexserver", Version: "1.0.0"}, nil)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var session *gomcp.ClientSession
	var err error
	switch {
	case cfg.isStdio():
		cmd := exec.CommandContext(connectCtx, cfg.Command, cfg.Args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		session, err = client.Connect(connectCtx, &gomcp.CommandTransport{Command: cmd}, nil)
	case cfg.URL != "":
		session, err = client.Connect(connectCtx, &gomcp.StreamableClientTransport{Endpoint: cfg.URL}, nil)
	default:
		return nil, fmt.Errorf("mcp: server %q has neither command nor url", serverName)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: connect to %q: %w", serverName, err)
	}

	c.mu.Lock()
	c.sessions[serverName] = session
	c.mu.Unlock()
	return session, nil
}

// CallTool dispatches one tool call, emitting a progress notification
// before and after the round-trip via emit.
func (c *McpClient) CallTool(ctx context.Context, serverName, toolName string, args map[string]any, emit ProgressEmitter) (*gomcp.CallToolResult, error) {
	session, err := c.sessionFor(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if emit != nil {
		emit(serverName, toolName, "calling")
	}
	result, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s/%s: %w", serverName, toolName, err)
	}
	if emit != nil {
		emit(serverName, toolName, "completed")
	}
	return result, nil
}

type mcpToolCallArgs struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// McpToolCallHandler implements the mcp_tool_call tool, dispatching to
// a configured MCP server identified by command or URL.
type McpToolCallHandler struct {
	client *McpClient
	emit   ProgressEmitter
}

func NewMcpToolCallHandler(client *McpClient, emit ProgressEmitter) *McpToolCallHandler {
	return &McpToolCallHandler{client: client, emit: emit}
}

func (h *McpToolCallHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{
		Name:        "mcp_tool_call",
		Description: "Call a tool exposed by a configured MCP server.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"server":    map[string]any{"type": "string"},
				"tool":      map[string]any{"type": "string"},
				"arguments": map[string]any{"type": "object"},
			},
			"required": []string{"server", "tool"},
		},
	}
}

// RequiresApproval treats every MCP call as a command execution for
// approval purposes: the server's actual mutating/read-only annotation
// isn't known until after connecting, so the conservative default asks
// unless the turn's policy already permits it.
func (h *McpToolCallHandler) RequiresApproval(call harness.ToolCallEvent, tc domain.TurnContext) (approval.Request, bool) {
	var args mcpToolCallArgs
	_ = json.Unmarshal([]byte(call.Arguments), &args)
	return approval.Request{
		Kind:   approval.KindCommandExecution,
		Key:    args.Server + "/" + args.Tool,
		Reason: "mcp tool call",
	}, true
}

func (h *McpToolCallHandler) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	var args mcpToolCallArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("tools: mcp_tool_call: parse arguments: %w", err)
	}
	result, err := h.client.CallTool(ctx, args.Server, args.Tool, args.Arguments, h.emit)
	if err != nil {
		return fmt.Sprintf("mcp tool call failed: %v", err), true, nil
	}
	return formatMcpResult(result), result.IsError, nil
}

func formatMcpResult(result *gomcp.CallToolResult) string {
	var b strings.Builder
	for i, content := range result.Content {
		if i > 0 {
			b.WriteString("\n")
		}
		switch c := content.(type) {
		case *gomcp.TextContent:
			b.WriteString(c.Text)
		case *gomcp.ImageContent:
			fmt.Fprintf(&b, "[image: %s]", c.MIMEType)
		default:
			b.WriteString("[unsupported content type]")
		}
	}
	return b.String()
}
