package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"codexserver/pkg/agentjob"
	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/engine"
	"codexserver/pkg/harness"
)

type spawnAgentsOnCsvArgs struct {
	CSVPath           string          `json:"csv_path"`
	Instruction       string          `json:"instruction"`
	IDColumn          string          `json:"id_column,omitempty"`
	OutputCSVPath     string          `json:"output_csv_path,omitempty"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
	MaxConcurrency    int             `json:"max_concurrency,omitempty"`
	MaxWorkers        int             `json:"max_workers,omitempty"`
	MaxRuntimeSeconds int             `json:"max_runtime_seconds,omitempty"`
}

type spawnAgentsOnCsvResult struct {
	JobID            string                     `json:"job_id"`
	Status           string                     `json:"status"`
	OutputCSVPath    string                     `json:"output_csv_path"`
	TotalItems       int                        `json:"total_items"`
	CompletedItems   int                        `json:"completed_items"`
	FailedItems      int                        `json:"failed_items"`
	JobError         string                     `json:"job_error,omitempty"`
	FailedItemErrors []agentjob.FailureSummary `json:"failed_item_errors,omitempty"`
}

// SpawnAgentsOnCsvHandler implements the spawn_agents_on_csv tool: it
// turns a CSV into an agentjob.Job and runs it to completion via the
// shared coordinator before returning.
type SpawnAgentsOnCsvHandler struct {
	store       *agentjob.Store
	coordinator *agentjob.Coordinator
	maxThreads  int
	account     domain.Account
	tools       engine.ToolExecutor
	notify      agentjob.BackgroundNotifier
}

// NewSpawnAgentsOnCsvHandler wires the handler to its job store,
// coordinator, and the shared tool registry worker threads run with.
// maxThreads is the reqconfig.Config.AgentJobMaxThreads ceiling;
// account is the identity worker threads authenticate as (a known
// simplification: every job run uses one configured account rather
// than inheriting the initiating thread's, since tool handlers aren't
// currently handed the calling thread's resolved account).
func NewSpawnAgentsOnCsvHandler(store *agentjob.Store, coordinator *agentjob.Coordinator, maxThreads int, account domain.Account, tools engine.ToolExecutor, notify agentjob.BackgroundNotifier) *SpawnAgentsOnCsvHandler {
	return &SpawnAgentsOnCsvHandler{store: store, coordinator: coordinator, maxThreads: maxThreads, account: account, tools: tools, notify: notify}
}

func (h *SpawnAgentsOnCsvHandler) Spec() harness.ToolSpec {
	return harness.ToolSpec{
		Name:        "spawn_agents_on_csv",
		Description: "Create a new agent job from a CSV file and run it to completion, one sub-agent thread per row.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"csv_path":            map[string]any{"type": "string"},
				"instruction":         map[string]any{"type": "string"},
				"id_column":           map[string]any{"type": "string"},
				"output_csv_path":     map[string]any{"type": "string"},
				"output_schema":       map[string]any{"type": "object"},
				"max_concurrency":     map[string]any{"type": "integer"},
				"max_workers":         map[string]any{"type": "integer"},
				"max_runtime_seconds": map[string]any{"type": "integer"},
			},
			"required": []string{"csv_path", "instruction"},
		},
	}
}

func (h *SpawnAgentsOnCsvHandler) RequiresApproval(harness.ToolCallEvent, domain.TurnContext) (approval.Request, bool) {
	return approval.Request{}, false
}

func (h *SpawnAgentsOnCsvHandler) Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (string, bool, error) {
	var args spawnAgentsOnCsvArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", false, fmt.Errorf("tools: spawn_agents_on_csv: parse arguments: %w", err)
	}
	if strings.TrimSpace(args.Instruction) == "" {
		return "spawn_agents_on_csv: instruction must be non-empty", true, nil
	}

	csvPath := resolvePath(tc.Cwd, args.CSVPath)
	content, err := readFile(csvPath)
	if err != nil {
		return fmt.Sprintf("spawn_agents_on_csv: failed to read csv input %s: %v", csvPath, err), true, nil
	}

	headers, rows, err := agentjob.ParseInputCSV(content)
	if err != nil {
		return fmt.Sprintf("spawn_agents_on_csv: failed to parse csv input: %v", err), true, nil
	}
	if len(headers) == 0 {
		return "spawn_agents_on_csv: csv input must include a header row", true, nil
	}
	if err := agentjob.EnsureUniqueHeaders(headers); err != nil {
		return fmt.Sprintf("spawn_agents_on_csv: %v", err), true, nil
	}

	idColumnIndex := -1
	if args.IDColumn != "" {
		for i, header := range headers {
			if header == args.IDColumn {
				idColumnIndex = i
				break
			}
		}
		if idColumnIndex < 0 {
			return fmt.Sprintf("spawn_agents_on_csv: id_column %s was not found in csv headers", args.IDColumn), true, nil
		}
	}
	items := agentjob.BuildItems(headers, rows, idColumnIndex)

	jobID := uuid.NewString()
	outputPath := args.OutputCSVPath
	if outputPath == "" {
		outputPath = agentjob.DefaultOutputCSVPath(csvPath, jobID)
	} else {
		outputPath = resolvePath(tc.Cwd, outputPath)
	}

	job := agentjob.Job{
		ID:            jobID,
		Name:          "agent-job-" + jobID[:8],
		Instruction:   args.Instruction,
		InputHeaders:  headers,
		InputCSVPath:  csvPath,
		OutputCSVPath: outputPath,
		OutputSchema:  args.OutputSchema,
	}
	if args.MaxRuntimeSeconds > 0 {
		job.MaxRuntime = time.Duration(args.MaxRuntimeSeconds) * time.Second
	}
	if err := h.store.CreateJob(job, items); err != nil {
		return "", false, fmt.Errorf("tools: spawn_agents_on_csv: create job: %w", err)
	}

	requested := args.MaxConcurrency
	if requested == 0 {
		requested = args.MaxWorkers
	}
	concurrency := agentjob.NormalizeConcurrency(requested, h.maxThreads)
	if h.notify != nil {
		h.notify(fmt.Sprintf("agent job concurrency: job_id=%s requested=%d max_threads=%d effective=%d",
			jobID, requested, h.maxThreads, concurrency))
	}

	opts := agentjob.RunOptions{
		Concurrency: concurrency,
		Account:     h.account,
		TurnContext: tc,
		Tools:       h.tools,
		Notify:      h.notify,
	}
	if err := h.coordinator.RunJob(ctx, jobID, opts); err != nil {
		return fmt.Sprintf("spawn_agents_on_csv: job %s failed: %v", jobID, err), true, nil
	}

	return h.finalResult(jobID, outputPath)
}

func (h *SpawnAgentsOnCsvHandler) finalResult(jobID, outputPath string) (string, bool, error) {
	job, ok := h.store.GetJob(jobID)
	if !ok {
		return "", false, fmt.Errorf("tools: spawn_agents_on_csv: job %s not found after run", jobID)
	}
	progress := h.store.Progress(jobID)

	result := spawnAgentsOnCsvResult{
		JobID:          jobID,
		Status:         string(job.Status),
		OutputCSVPath:  outputPath,
		TotalItems:     progress.TotalItems,
		CompletedItems: progress.CompletedItems,
		FailedItems:    progress.FailedItems,
		JobError:       job.LastError,
	}
	if progress.FailedItems > 0 {
		failed := h.store.ListItems(jobID, agentjob.ItemFailed, 5)
		summaries := make([]agentjob.FailureSummary, 0, len(failed))
		for _, item := range failed {
			if item.LastError == "" {
				continue
			}
			summaries = append(summaries, agentjob.FailureSummary{ItemID: item.ItemID, SourceID: item.SourceID, LastError: item.LastError})
		}
		if len(summaries) > 0 {
			result.FailedItemErrors = summaries
		} else if result.JobError == "" {
			result.JobError = "agent job has failed items but no error details were recorded"
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", false, fmt.Errorf("tools: spawn_agents_on_csv: marshal result: %w", err)
	}
	return string(out), false, nil
}

func resolvePath(cwd, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
