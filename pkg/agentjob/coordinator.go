package agentjob

import (
	"context"
	"fmt"
	"sync"

	"codexserver/pkg/domain"
	"codexserver/pkg/engine"
	"codexserver/pkg/harness"
)

// Spawner starts and drives sub-agent threads on behalf of a job. It
// is satisfied by *pkg/engine.Engine; the narrower interface keeps
// this package independent of the engine's full surface and testable
// with a fake.
type Spawner interface {
	StartThread(tc domain.TurnContext, account domain.Account) (domain.ThreadID, error)
	RunTurn(ctx context.Context, threadID domain.ThreadID, userText string, tools engine.ToolExecutor) (*harness.TurnResult, error)
	ArchiveThread(id domain.ThreadID) error
}

// Coordinator runs the worker-spawn loop for agent jobs: a bounded
// pool of sub-agent threads, one per pending item, driven to
// completion synchronously since pkg/engine.RunTurn already blocks
// until its turn finishes — unlike the polling status loop this is
// grounded on, there is no separate thread-status-polling step.
type Coordinator struct {
	store   *Store
	spawner Spawner
}

// NewCoordinator builds a coordinator over store and spawner.
func NewCoordinator(store *Store, spawner Spawner) *Coordinator {
	return &Coordinator{store: store, spawner: spawner}
}

// RunOptions configures one job run.
type RunOptions struct {
	Concurrency int
	Account     domain.Account
	TurnContext domain.TurnContext
	Tools       engine.ToolExecutor
	Notify      BackgroundNotifier
}

// RunJob drives jobID's items to completion: spawns up to
// opts.Concurrency worker threads at a time, waits for all of them,
// exports the output CSV (unless it already exists), and marks the
// job completed, failed, or cancelled.
func (c *Coordinator) RunJob(ctx context.Context, jobID string, opts RunOptions) error {
	job, ok := c.store.GetJob(jobID)
	if !ok {
		return fmt.Errorf("agentjob: job %s not found", jobID)
	}

	emitter := NewProgressEmitter()
	emitter.MaybeEmit(jobID, c.store.Progress(jobID), true, opts.Notify)

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for {
		if c.store.IsCancelled(jobID) {
			if opts.Notify != nil {
				opts.Notify(fmt.Sprintf("agent job %s cancellation requested; stopping new workers", jobID))
			}
			break
		}
		pending := c.store.ListItems(jobID, ItemPending, 1)
		if len(pending) == 0 {
			break
		}
		item := pending[0]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		if err := c.store.MarkItemRunning(jobID, item.ItemID, ""); err != nil {
			<-sem
			return err
		}

		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			defer func() { <-sem }()

			c.runItem(ctx, job, item, opts)

			mu.Lock()
			emitter.MaybeEmit(jobID, c.store.Progress(jobID), false, opts.Notify)
			mu.Unlock()
		}(item)
	}

	wg.Wait()
	emitter.MaybeEmit(jobID, c.store.Progress(jobID), true, opts.Notify)

	if err := c.exportIfMissing(job); err != nil {
		_ = c.store.MarkJobFailed(jobID, fmt.Sprintf("auto-export failed: %v", err))
		return err
	}

	if c.store.IsCancelled(jobID) {
		return c.store.MarkJobCancelled(jobID, "")
	}
	progress := c.store.Progress(jobID)
	if opts.Notify != nil && progress.FailedItems > 0 {
		opts.Notify(fmt.Sprintf("agent job %s completed with %d failed items", jobID, progress.FailedItems))
	}
	return c.store.MarkJobCompleted(jobID)
}

func (c *Coordinator) runItem(ctx context.Context, job Job, item Item, opts RunOptions) {
	itemCtx, cancel := context.WithTimeout(ctx, job.ItemTimeout())
	defer cancel()

	threadID, err := c.spawner.StartThread(opts.TurnContext, opts.Account)
	if err != nil {
		_ = c.store.MarkItemFailed(job.ID, item.ItemID, fmt.Sprintf("failed to spawn worker: %v", err))
		return
	}
	if err := c.store.MarkItemRunning(job.ID, item.ItemID, string(threadID)); err != nil {
		return
	}
	defer func() { _ = c.spawner.ArchiveThread(threadID) }()

	prompt := BuildWorkerPrompt(job, item)
	if _, err := c.spawner.RunTurn(itemCtx, threadID, prompt, opts.Tools); err != nil {
		_ = c.store.MarkItemFailed(job.ID, item.ItemID, fmt.Sprintf("worker turn failed: %v", err))
		return
	}

	c.finalizeItem(job.ID, item.ItemID)
}

func (c *Coordinator) finalizeItem(jobID, itemID string) {
	item, ok := c.store.GetItem(jobID, itemID)
	if !ok {
		return
	}
	if item.Result != nil {
		_ = c.store.MarkItemCompleted(jobID, itemID)
		return
	}
	_ = c.store.MarkItemFailed(jobID, itemID, "worker finished without calling report_agent_job_result")
}

func (c *Coordinator) exportIfMissing(job Job) error {
	return exportCSVIfMissing(job, c.store)
}

// BuildWorkerPrompt composes the instruction a spawned worker thread
// receives for one item, including the report_agent_job_result
// contract it must fulfil exactly once.
func BuildWorkerPrompt(job Job, item Item) string {
	instruction := RenderInstructionTemplate(job.Instruction, item.Row)
	schema := "{}"
	if len(job.OutputSchema) > 0 {
		schema = string(job.OutputSchema)
	}
	return fmt.Sprintf(`You are processing one item for a generic agent job.
Job ID: %s
Item ID: %s

Task instruction:
%s

Expected result schema (JSON Schema or {}):
%s

You MUST call the report_agent_job_result tool exactly once with:
1. job_id = %q
2. item_id = %q
3. result = a JSON object that contains your analysis result for this row.

If you need to stop the job early, include stop = true in the tool call.

After the tool call succeeds, stop.`, job.ID, item.ItemID, instruction, schema, job.ID, item.ItemID)
}
