// Package agentjob runs a CSV-driven fan-out of sub-agent threads: one
// row becomes one job item, a bounded pool of worker threads processes
// items concurrently, and results are exported back to CSV on
// completion. Generalizes pkg/rollout's append-only-journal-plus-
// in-memory-index idiom to job-scoped state instead of thread-scoped
// transcripts.
package agentjob

import (
	"encoding/json"
	"time"
)

// ItemStatus is the lifecycle state of one job item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// JobStatus is the lifecycle state of a whole job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// DefaultAgentJobConcurrency and MaxAgentJobConcurrency are pinned from
// original_source/codex-rs/core/src/tools/handlers/agent_jobs.rs.
const (
	DefaultAgentJobConcurrency = 16
	MaxAgentJobConcurrency     = 64
)

// DefaultItemTimeout bounds how long a single worker thread may run
// before its item is reaped as stale.
const DefaultItemTimeout = 30 * time.Minute

// ProgressEmitInterval is the minimum spacing between progress
// notifications when nothing has changed.
const ProgressEmitInterval = time.Second

// Item is one CSV row's worth of work.
type Item struct {
	JobID        string          `json:"job_id"`
	ItemID       string          `json:"item_id"`
	RowIndex     int             `json:"row_index"`
	SourceID     string          `json:"source_id,omitempty"`
	Row          map[string]string `json:"row"`
	Status       ItemStatus      `json:"status"`
	ThreadID     string          `json:"thread_id,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ReportedAt   *time.Time      `json:"reported_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Job is the parent record for one spawn_agents_on_csv call.
type Job struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Instruction     string          `json:"instruction"`
	InputHeaders    []string        `json:"input_headers"`
	InputCSVPath    string          `json:"input_csv_path"`
	OutputCSVPath   string          `json:"output_csv_path"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
	MaxRuntime      time.Duration   `json:"max_runtime"`
	Status          JobStatus       `json:"status"`
	LastError       string          `json:"last_error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Progress is a point-in-time count of a job's items by status.
type Progress struct {
	TotalItems     int `json:"total_items"`
	PendingItems   int `json:"pending_items"`
	RunningItems   int `json:"running_items"`
	CompletedItems int `json:"completed_items"`
	FailedItems    int `json:"failed_items"`
}

// FailureSummary is one failed item's error, surfaced on the final
// spawn_agents_on_csv result (up to 5, newest first).
type FailureSummary struct {
	ItemID    string `json:"item_id"`
	SourceID  string `json:"source_id,omitempty"`
	LastError string `json:"last_error"`
}

// ItemTimeout returns the job's configured runtime bound, or
// DefaultItemTimeout if none was set.
func (j Job) ItemTimeout() time.Duration {
	if j.MaxRuntime > 0 {
		return j.MaxRuntime
	}
	return DefaultItemTimeout
}

// NormalizeConcurrency clamps a requested worker count to
// [1, MaxAgentJobConcurrency], further bounded by maxThreads if it is
// set (maxThreads <= 0 means unset).
func NormalizeConcurrency(requested, maxThreads int) int {
	if requested <= 0 {
		requested = DefaultAgentJobConcurrency
	}
	if requested > MaxAgentJobConcurrency {
		requested = MaxAgentJobConcurrency
	}
	if maxThreads > 0 && requested > maxThreads {
		requested = maxThreads
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}
