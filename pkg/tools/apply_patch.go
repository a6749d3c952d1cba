package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
	"codexserver/pkg/patch"
)

type applyPatchArgs struct {
	Patch string `json:"patch"`
}

// ApplyPatchHandler implements the function-form apply_patch tool,
// mirroring codexserver/pkg/harness/codex.ApplyPatchToolSpec's Lark
// grammar description but routing writes through pkg/patch instead of
// leaving parsing entirely to the model-side prompt contract.
type ApplyPatchHandler struct{}

func NewApplyPatchHandler() *ApplyPatchHandler { return &ApplyPatchHandler{} }

func (h *ApplyPatchHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{
		Name:        "apply_patch",
		Description: "Apply a patch to files using the Codex patch format.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"patch": map[string]any{
					"type":        "string",
					"description": "The patch text, beginning with *** Begin Patch and ending with *** End Patch.",
				},
			},
			"required": []string{"patch"},
		},
	}
}

// RequiresApproval reports whether any op in the patch writes outside
// cwd/writable_roots; only out-of-bounds writes need a patch-approval,
// per the tool's write-boundary contract. In-bounds edits are
// considered part of the sandbox's existing write grant and skip the
// broker, matching shell's sandbox-based (not per-call) permission
// model.
func (h *ApplyPatchHandler) RequiresApproval(call harness.ToolCallEvent, tc domain.TurnContext) (approval.Request, bool) {
	ops, bounds, err := h.parse(call, tc)
	if err != nil {
		return approval.Request{}, false
	}
	if err := patch.CheckBounds(ops, bounds); err == nil {
		return approval.Request{}, false
	}
	return approval.Request{
		Kind:   approval.KindFileChange,
		Key:    call.Arguments,
		Reason: "writes outside the project",
	}, true
}

func (h *ApplyPatchHandler) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	ops, bounds, err := h.parse(call, tc)
	if err != nil {
		return fmt.Sprintf("patch rejected: %v", err), true, nil
	}
	if err := patch.CheckBounds(ops, bounds); err != nil {
		if errors.Is(err, patch.ErrOutsideWritableRoots) {
			return fmt.Sprintf("patch rejected: %v", err), true, nil
		}
		return "", false, err
	}
	if err := patch.Apply(ops, bounds); err != nil {
		return fmt.Sprintf("patch failed: %v", err), true, nil
	}
	return "patch applied successfully", false, nil
}

func (h *ApplyPatchHandler) parse(call harness.ToolCallEvent, tc domain.TurnContext) ([]patch.FileOp, patch.Bounds, error) {
	var args applyPatchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return nil, patch.Bounds{}, fmt.Errorf("parse arguments: %w", err)
	}
	ops, err := patch.Parse(args.Patch)
	if err != nil {
		return nil, patch.Bounds{}, err
	}
	return ops, patch.Bounds{Cwd: tc.Cwd, WritableRoots: tc.SandboxPolicy.WritableRoots}, nil
}
