package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"codexserver/pkg/agentjob"
	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
)

type reportAgentJobResultArgs struct {
	JobID  string          `json:"job_id"`
	ItemID string          `json:"item_id"`
	Result json.RawMessage `json:"result"`
	Stop   bool            `json:"stop,omitempty"`
}

type reportAgentJobResultOutput struct {
	Accepted bool `json:"accepted"`
}

// ReportAgentJobResultHandler implements the report_agent_job_result
// tool a spawned worker thread calls exactly once to hand its result
// back to the coordinating job.
type ReportAgentJobResultHandler struct {
	store *agentjob.Store
}

func NewReportAgentJobResultHandler(store *agentjob.Store) *ReportAgentJobResultHandler {
	return &ReportAgentJobResultHandler{store: store}
}

func (h *ReportAgentJobResultHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{
		Name:        "report_agent_job_result",
		Description: "Report the result of processing one agent job item. Call exactly once per item.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"job_id":  map[string]any{"type": "string"},
				"item_id": map[string]any{"type": "string"},
				"result":  map[string]any{"type": "object"},
				"stop":    map[string]any{"type": "boolean"},
			},
			"required": []string{"job_id", "item_id", "result"},
		},
	}
}

func (h *ReportAgentJobResultHandler) RequiresApproval(harness.ToolCallEvent, domain.TurnContext) (approval.Request, bool) {
	return approval.Request{}, false
}

func (h *ReportAgentJobResultHandler) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	var args reportAgentJobResultArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("tools: report_agent_job_result: parse arguments: %w", err)
	}
	if len(args.Result) == 0 || args.Result[0] != '{' {
		return "report_agent_job_result: result must be a JSON object", true, nil
	}

	accepted, err := h.store.ReportResult(args.JobID, args.ItemID, args.Result)
	if err != nil {
		return "", false, fmt.Errorf("tools: report_agent_job_result: %w", err)
	}
	if accepted && args.Stop {
		_ = h.store.MarkJobCancelled(args.JobID, "cancelled by worker request")
	}

	out, err := json.Marshal(reportAgentJobResultOutput{Accepted: accepted})
	if err != nil {
		return "", false, fmt.Errorf("tools: report_agent_job_result: marshal output: %w", err)
	}
	return string(out), false, nil
}
