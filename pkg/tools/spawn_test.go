package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"codexserver/pkg/agentjob"
	"codexserver/pkg/domain"
	"codexserver/pkg/engine"
	"codexserver/pkg/harness"
)

var jobItemPattern = regexp.MustCompile(`Job ID: (\S+)\nItem ID: (\S+)`)

// fakeAgentSpawner drives each worker thread by directly calling
// report_agent_job_result through the same tool executor a real turn
// would use, simulating a worker that reads its prompt and reports
// back immediately.
type fakeAgentSpawner struct {
	mu   sync.Mutex
	next int
}

func (f *fakeAgentSpawner) StartThread(domain.TurnContext, domain.Account) (domain.ThreadID, error) {
	f.mu.Lock()
	f.next++
	n := f.next
	f.mu.Unlock()
	return domain.ThreadID(string(rune('A' + n))), nil
}

func (f *fakeAgentSpawner) RunTurn(ctx context.Context, threadID domain.ThreadID, userText string, tools engine.ToolExecutor) (*harness.TurnResult, error) {
	m := jobItemPattern.FindStringSubmatch(userText)
	if m == nil {
		return &harness.TurnResult{}, nil
	}
	args, _ := json.Marshal(reportAgentJobResultArgs{JobID: m[1], ItemID: m[2], Result: json.RawMessage(`{"ok":true}`)})
	_, _, err := tools.Execute(ctx, harness.ToolCallEvent{Name: "report_agent_job_result", Arguments: string(args)}, domain.TurnContext{})
	return &harness.TurnResult{}, err
}

func (f *fakeAgentSpawner) ArchiveThread(domain.ThreadID) error { return nil }

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSpawnAgentsOnCsvHandlerRunsJobToCompletion(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "rows.csv", "name\nalice\nbob\n")

	store := agentjob.NewStore(filepath.Join(dir, "state"))
	coordinator := agentjob.NewCoordinator(store, &fakeAgentSpawner{})

	registry := NewRegistry()
	registry.Register("report_agent_job_result", NewReportAgentJobResultHandler(store))
	spawnHandler := NewSpawnAgentsOnCsvHandler(store, coordinator, 4, domain.Account{}, registry, nil)
	registry.Register("spawn_agents_on_csv", spawnHandler)

	args, err := json.Marshal(spawnAgentsOnCsvArgs{CSVPath: "rows.csv", Instruction: "greet {name}"})
	require.NoError(t, err)
	call := harness.ToolCallEvent{Name: "spawn_agents_on_csv", Arguments: string(args)}

	out, isError, err := spawnHandler.Execute(context.Background(), call, domain.TurnContext{Cwd: dir})
	require.NoError(t, err)
	require.False(t, isError)

	var result spawnAgentsOnCsvResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, "completed", result.Status)
	require.Equal(t, 2, result.TotalItems)
	require.Equal(t, 2, result.CompletedItems)
	require.Equal(t, 0, result.FailedItems)

	exported, err := os.ReadFile(result.OutputCSVPath)
	require.NoError(t, err)
	require.Contains(t, string(exported), "alice")
}

func TestSpawnAgentsOnCsvHandlerRejectsEmptyInstruction(t *testing.T) {
	store := agentjob.NewStore(t.TempDir())
	coordinator := agentjob.NewCoordinator(store, &fakeAgentSpawner{})
	h := NewSpawnAgentsOnCsvHandler(store, coordinator, 4, domain.Account{}, NewRegistry(), nil)

	args, _ := json.Marshal(spawnAgentsOnCsvArgs{CSVPath: "rows.csv", Instruction: "  "})
	out, isError, err := h.Execute(context.Background(), harness.ToolCallEvent{Arguments: string(args)}, domain.TurnContext{Cwd: t.TempDir()})
	require.NoError(t, err)
	require.True(t, isError)
	require.Contains(t, out, "instruction")
}

func TestSpawnAgentsOnCsvHandlerNeverRequiresApproval(t *testing.T) {
	h := NewSpawnAgentsOnCsvHandler(nil, nil, 4, domain.Account{}, NewRegistry(), nil)
	_, ok := h.RequiresApproval(harness.ToolCallEvent{}, domain.TurnContext{})
	require.False(t, ok)
}
