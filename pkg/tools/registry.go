// Package tools implements the handlers behind each tool name a model
// can call during a turn: shell, apply_patch, mcp_tool_call,
// fuzzy_file_search, update_plan, spawn_agents_on_csv, and
// report_agent_job_result. Generalizes codexserver/pkg/harness/codex's
// DefaultHarnessTools/DefaultTools tool-spec definitions into a
// registry that also knows how to execute each tool, not just describe
// it to the model.
package tools

import (
	"context"
	"fmt"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
	"codexserver/pkg/schema"
)

// Handler executes one named tool. Implementations must be re-entrant
// per call_id: the engine may have several calls to the same handler
// in flight for different threads at once.
type Handler interface {
	Spec() harness.ToolSpec
	// Execute runs the tool and returns its output text plus whether
	// the output represents an error (still returned to the model as
	// content, not as a Go error — a Go error return means the tool
	// could not be dispatched at all).
	Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (output string, isError bool, err error)
	// RequiresApproval reports whether this specific invocation needs
	// sign-off before Execute runs, and the approval.Request to ask.
	RequiresApproval(call harness.ToolCallEvent, tc domain.TurnContext) (approval.Request, bool)
}

// Registry dispatches tool calls by name and satisfies
// codexserver/pkg/engine.ToolExecutor.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty registry; call Register for each handler.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for a tool name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Specs returns the tool specs for every registered handler, the set
// advertised to the model for a turn. Parameter schemas are normalized
// to the strict-mode object rules (closed objects, optional properties
// made nullable) that OpenAI-family providers require of function
// tools, the same normalization pkg/harness/codex applies to its own
// native tool specs.
func (r *Registry) Specs() []harness.ToolSpec {
	specs := make([]harness.ToolSpec, 0, len(r.handlers))
	for _, h := range r.handlers {
		spec := h.Spec()
		if spec.Parameters != nil {
			spec.Parameters, _ = schema.NormalizeStrictSchemaNode(spec.Parameters).(map[string]any)
		}
		specs = append(specs, spec)
	}
	return specs
}

// Execute implements codexserver/pkg/engine.ToolExecutor.
func (r *Registry) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	h, ok := r.handlers[call.Name]
	if !ok {
		return "", false, fmt.Errorf("tools: unknown tool %q", call.Name)
	}
	return h.Execute(ctx, call, tc)
}

// RequiresApproval implements codexserver/pkg/engine.ToolExecutor.
func (r *Registry) RequiresApproval(call harness.ToolCallEvent, tc domain.TurnContext) (approval.Request, bool) {
	h, ok := r.handlers[call.Name]
	if !ok {
		return approval.Request{}, false
	}
	return h.RequiresApproval(call, tc)
}
