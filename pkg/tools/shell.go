package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
	"codexserver/pkg/sandbox"
)

// shellArgs is the JSON payload the model sends for a shell call,
// mirroring codexserver/pkg/harness/codex.ShellToolSpec's schema.
type shellArgs struct {
	Command            []string `json:"command"`
	SandboxPermissions string   `json:"sandbox_permissions,omitempty"`
	Justification      string   `json:"justification,omitempty"`
	WorkdirOverride    string   `json:"workdir,omitempty"`
	TimeoutMS          int      `json:"timeout_ms,omitempty"`
}

// ShellHandler executes the "shell" tool by dispatching to the sandbox
// package under the turn's effective SandboxPolicy.
type ShellHandler struct {
	group *sandbox.ExecGroup
}

// NewShellHandler wires a handler to an ExecGroup bounding the turn's
// concurrent sandboxed executions.
func NewShellHandler(group *sandbox.ExecGroup) *ShellHandler {
	return &ShellHandler{group: group}
}

func (h *ShellHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{
		Name:        "shell",
		Description: "Execute a shell command in the sandbox environment.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Command and arguments to execute",
				},
				"sandbox_permissions": map[string]any{
					"type": "string",
					"enum": []string{"sandbox", "require_escalated"},
				},
				"justification": map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
	}
}

func (h *ShellHandler) RequiresApproval(call harness.ToolCallEvent, tc domain.TurnContext) (approval.Request, bool) {
	var args shellArgs
	_ = json.Unmarshal([]byte(call.Arguments), &args)
	req := approval.Request{
		Kind:   approval.KindCommandExecution,
		Key:    strings.Join(args.Command, " "),
		Reason: args.Justification,
	}
	return req, true
}

func (h *ShellHandler) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	var args shellArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("tools: shell: parse arguments: %w", err)
	}
	if len(args.Command) == 0 {
		return "shell: empty command", true, nil
	}

	cwd := tc.Cwd
	if args.WorkdirOverride != "" {
		cwd = args.WorkdirOverride
	}

	req := sandbox.Request{
		Argv:   args.Command,
		Cwd:    cwd,
		Policy: tc.SandboxPolicy,
	}
	if args.TimeoutMS > 0 {
		req.Timeout = time.Duration(args.TimeoutMS) * time.Millisecond
	}

	result := h.group.Run(ctx, req)
	return formatShellResult(result), result.Outcome != sandbox.Ok, nil
}

func formatShellResult(result sandbox.Result) string {
	var b strings.Builder
	if result.Outcome != sandbox.Ok {
		fmt.Fprintf(&b, "[%s] ", result.Outcome)
	}
	if result.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", result.Err)
	}
	fmt.Fprintf(&b, "exit code: %d\n", result.ExitCode)
	if len(result.Stdout) > 0 {
		b.WriteString("stdout:\n")
		b.Write(result.Stdout)
		b.WriteString("\n")
	}
	if len(result.Stderr) > 0 {
		b.WriteString("stderr:\n")
		b.Write(result.Stderr)
		b.WriteString("\n")
	}
	return b.String()
}
