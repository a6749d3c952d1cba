package agentjob

import (
	"fmt"
	"time"
)

// BackgroundNotifier emits a turn/background notification; the agent
// server binary (cmd/agent-server) supplies the real one.
type BackgroundNotifier func(message string)

// ProgressUpdate is the payload of an agent_job_progress background
// notification.
type ProgressUpdate struct {
	JobID      string `json:"job_id"`
	Progress
	ETASeconds *int64 `json:"eta_seconds,omitempty"`
}

// ProgressEmitter rate-limits agent_job_progress notifications: it
// only fires when something changed, or at least once per
// ProgressEmitInterval, matching
// original_source/codex-rs/core/src/tools/handlers/agent_jobs.rs's
// JobProgressEmitter.
type ProgressEmitter struct {
	startedAt     time.Time
	lastEmitAt    time.Time
	lastProcessed int
	lastFailed    int
}

// NewProgressEmitter starts a fresh emitter; the first MaybeEmit call
// always fires since lastEmitAt is backdated by a full interval.
func NewProgressEmitter() *ProgressEmitter {
	now := time.Now()
	return &ProgressEmitter{startedAt: now, lastEmitAt: now.Add(-ProgressEmitInterval)}
}

// MaybeEmit notifies notify with the current progress if anything
// changed since the last emission, the interval elapsed, or force is
// set.
func (e *ProgressEmitter) MaybeEmit(jobID string, p Progress, force bool, notify BackgroundNotifier) {
	processed := p.CompletedItems + p.FailedItems
	should := force ||
		processed != e.lastProcessed ||
		p.FailedItems != e.lastFailed ||
		time.Since(e.lastEmitAt) >= ProgressEmitInterval
	if !should {
		return
	}

	update := ProgressUpdate{JobID: jobID, Progress: p}
	if elapsed := time.Since(e.startedAt).Seconds(); processed > 0 && elapsed > 0 {
		remaining := float64(p.TotalItems - processed)
		if remaining < 0 {
			remaining = 0
		}
		rate := float64(processed) / elapsed
		if rate > 0 {
			eta := int64(remaining/rate + 0.5)
			update.ETASeconds = &eta
		}
	}

	if notify != nil {
		msg := fmt.Sprintf("agent_job_progress: job_id=%s total=%d pending=%d running=%d completed=%d failed=%d",
			jobID, p.TotalItems, p.PendingItems, p.RunningItems, p.CompletedItems, p.FailedItems)
		if update.ETASeconds != nil {
			msg += fmt.Sprintf(" eta_seconds=%d", *update.ETASeconds)
		}
		notify(msg)
	}

	e.lastEmitAt = time.Now()
	e.lastProcessed = processed
	e.lastFailed = p.FailedItems
}
