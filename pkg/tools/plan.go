package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
)

type planStep struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

type updatePlanArgs struct {
	Steps       []planStep `json:"steps"`
	Explanation string     `json:"explanation,omitempty"`
}

// PlanUpdate is the parsed, validated result of an update_plan call.
type PlanUpdate struct {
	Steps       []planStep
	Explanation string
}

// PlanSink receives a validated plan update for emission as
// turn/plan/updated notifications; cmd/agent-server supplies the real one.
type PlanSink func(PlanUpdate)

// UpdatePlanHandler implements the update_plan tool, mirroring
// codexserver/pkg/harness/codex.UpdatePlanToolSpec's schema.
type UpdatePlanHandler struct {
	sink PlanSink
}

func NewUpdatePlanHandler(sink PlanSink) *UpdatePlanHandler {
	return &UpdatePlanHandler{sink: sink}
}

func (h *UpdatePlanHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{
		Name:        "update_plan",
		Description: "Update the plan with step-by-step progress. Use to track task progress.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"title":  map[string]any{"type": "string"},
							"status": map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						},
						"required": []string{"title", "status"},
					},
				},
				"explanation": map[string]any{"type": "string"},
			},
			"required": []string{"steps"},
		},
	}
}

func (h *UpdatePlanHandler) RequiresApproval(harness.ToolCallEvent, domain.TurnContext) (approval.Request, bool) {
	return approval.Request{}, false
}

func (h *UpdatePlanHandler) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	var args updatePlanArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("tools: update_plan: parse arguments: %w", err)
	}
	if len(args.Steps) == 0 {
		return "update_plan: at least one step is required", true, nil
	}
	for _, s := range args.Steps {
		switch s.Status {
		case "pending", "in_progress", "completed":
		default:
			return fmt.Sprintf("update_plan: invalid status %q", s.Status), true, nil
		}
	}
	if h.sink != nil {
		h.sink(PlanUpdate{Steps: args.Steps, Explanation: args.Explanation})
	}
	return "plan updated", false, nil
}
