package agentjob

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type recordKind string

const (
	recordJob  recordKind = "job"
	recordItem recordKind = "item"
)

type record struct {
	Kind recordKind `json:"kind"`
	Job  *Job       `json:"job,omitempty"`
	Item *Item      `json:"item,omitempty"`
}

// Store journals job and item state to {root}/agent-jobs/{id}.jsonl,
// one append-only file per job, and keeps an in-memory index for the
// progress queries the worker loop issues every poll tick.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	jobs  map[string]*Job
	items map[string]map[string]*Item // jobID -> itemID -> item
}

// NewStore creates a job store rooted at dir. dir/agent-jobs is
// created lazily on first write.
func NewStore(dir string) *Store {
	return &Store{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
		jobs:  make(map[string]*Job),
		items: make(map[string]map[string]*Item),
	}
}

func (s *Store) jobsDir() string { return filepath.Join(s.root, "agent-jobs") }

func (s *Store) pathFor(jobID string) string {
	return filepath.Join(s.jobsDir(), jobID+".jsonl")
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *Store) appendRecord(jobID string, rec record) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.jobsDir(), 0o755); err != nil {
		return fmt.Errorf("agentjob: create jobs dir: %w", err)
	}
	f, err := os.OpenFile(s.pathFor(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("agentjob: open journal: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("agentjob: marshal record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("agentjob: write journal: %w", err)
	}
	return nil
}

// CreateJob persists a new job and its initial items, all pending.
func (s *Store) CreateJob(job Job, items []Item) error {
	job.Status = JobRunning
	job.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.jobs[job.ID] = &job
	byID := make(map[string]*Item, len(items))
	for i := range items {
		items[i].Status = ItemPending
		items[i].UpdatedAt = job.CreatedAt
		item := items[i]
		byID[item.ItemID] = &item
	}
	s.items[job.ID] = byID
	s.mu.Unlock()

	if err := s.appendRecord(job.ID, record{Kind: recordJob, Job: &job}); err != nil {
		return err
	}
	for _, item := range byID {
		if err := s.appendRecord(job.ID, record{Kind: recordItem, Item: item}); err != nil {
			return err
		}
	}
	return nil
}

// GetJob returns a copy of the job's current state.
func (s *Store) GetJob(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// ListJobs returns a snapshot of every known job, most recently created
// first, for the admin ops surface.
func (s *Store) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs
}

func (s *Store) putJob(job *Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job
	cp := *job
	s.mu.Unlock()
	return s.appendRecord(job.ID, record{Kind: recordJob, Job: &cp})
}

// MarkJobRunning, MarkJobCompleted, MarkJobFailed and MarkJobCancelled
// transition a job's top-level status.
func (s *Store) MarkJobRunning(jobID string) error { return s.setJobStatus(jobID, JobRunning, "") }

func (s *Store) MarkJobCompleted(jobID string) error {
	return s.setJobStatus(jobID, JobCompleted, "")
}

func (s *Store) MarkJobFailed(jobID, errMsg string) error {
	return s.setJobStatus(jobID, JobFailed, errMsg)
}

func (s *Store) MarkJobCancelled(jobID, reason string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("agentjob: job %s not found", jobID)
	}
	j.CancelRequested = true
	j.Status = JobCancelled
	if reason != "" {
		j.LastError = reason
	}
	return s.putJob(j)
}

func (s *Store) setJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("agentjob: job %s not found", jobID)
	}
	j.Status = status
	if errMsg != "" {
		j.LastError = errMsg
	}
	return s.putJob(j)
}

// IsCancelled reports whether cancellation has been requested for jobID.
func (s *Store) IsCancelled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return ok && j.CancelRequested
}

func (s *Store) putItem(jobID string, item *Item) error {
	item.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	byID, ok := s.items[jobID]
	if !ok {
		byID = make(map[string]*Item)
		s.items[jobID] = byID
	}
	byID[item.ItemID] = item
	cp := *item
	s.mu.Unlock()
	return s.appendRecord(jobID, record{Kind: recordItem, Item: &cp})
}

// GetItem returns a copy of one item's current state.
func (s *Store) GetItem(jobID, itemID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.items[jobID]
	if !ok {
		return Item{}, false
	}
	item, ok := byID[itemID]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// ListItems returns a copy of every item in jobID, optionally filtered
// by status, in row order, truncated to limit (0 means unbounded).
func (s *Store) ListItems(jobID string, status ItemStatus, limit int) []Item {
	s.mu.Lock()
	byID := s.items[jobID]
	out := make([]Item, 0, len(byID))
	for _, item := range byID {
		if status != "" && item.Status != status {
			continue
		}
		out = append(out, *item)
	}
	s.mu.Unlock()

	sortItemsByRow(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortItemsByRow(items []Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].RowIndex < items[j-1].RowIndex; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Progress tallies item counts for jobID.
func (s *Store) Progress(jobID string) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p Progress
	for _, item := range s.items[jobID] {
		p.TotalItems++
		switch item.Status {
		case ItemPending:
			p.PendingItems++
		case ItemRunning:
			p.RunningItems++
		case ItemCompleted:
			p.CompletedItems++
		case ItemFailed:
			p.FailedItems++
		}
	}
	return p
}

// MarkItemRunning assigns threadID to itemID and moves it to running.
func (s *Store) MarkItemRunning(jobID, itemID, threadID string) error {
	item, ok := s.GetItem(jobID, itemID)
	if !ok {
		return fmt.Errorf("agentjob: item %s/%s not found", jobID, itemID)
	}
	item.Status = ItemRunning
	item.ThreadID = threadID
	item.AttemptCount++
	return s.putItem(jobID, &item)
}

// MarkItemPending resets itemID back to pending, used when a worker
// slot could not actually be acquired after a pending item was picked.
func (s *Store) MarkItemPending(jobID, itemID string) error {
	item, ok := s.GetItem(jobID, itemID)
	if !ok {
		return fmt.Errorf("agentjob: item %s/%s not found", jobID, itemID)
	}
	item.Status = ItemPending
	item.ThreadID = ""
	return s.putItem(jobID, &item)
}

// MarkItemFailed records a terminal failure with an error message.
func (s *Store) MarkItemFailed(jobID, itemID, errMsg string) error {
	item, ok := s.GetItem(jobID, itemID)
	if !ok {
		return fmt.Errorf("agentjob: item %s/%s not found", jobID, itemID)
	}
	item.Status = ItemFailed
	item.LastError = errMsg
	now := time.Now().UTC()
	item.CompletedAt = &now
	return s.putItem(jobID, &item)
}

// MarkItemCompleted records a terminal success.
func (s *Store) MarkItemCompleted(jobID, itemID string) error {
	item, ok := s.GetItem(jobID, itemID)
	if !ok {
		return fmt.Errorf("agentjob: item %s/%s not found", jobID, itemID)
	}
	item.Status = ItemCompleted
	now := time.Now().UTC()
	item.CompletedAt = &now
	return s.putItem(jobID, &item)
}

// ReportResult records a worker-submitted result for an item still in
// progress. Returns false if the item is not currently running (a stale
// or duplicate report).
func (s *Store) ReportResult(jobID, itemID string, result json.RawMessage) (bool, error) {
	item, ok := s.GetItem(jobID, itemID)
	if !ok || item.Status != ItemRunning {
		return false, nil
	}
	item.Result = result
	now := time.Now().UTC()
	item.ReportedAt = &now
	if err := s.putItem(jobID, &item); err != nil {
		return false, err
	}
	return true, nil
}

// Load reconstructs store state for jobID by replaying its journal
// file, mirroring pkg/rollout's file-is-truth replay idiom. Used on
// process restart to recover an in-flight job.
func (s *Store) Load(jobID string) error {
	f, err := os.Open(s.pathFor(jobID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("agentjob: open journal: %w", err)
	}
	defer f.Close()

	var job *Job
	items := make(map[string]*Item)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Kind {
		case recordJob:
			job = rec.Job
		case recordItem:
			items[rec.Item.ItemID] = rec.Item
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("agentjob: read journal: %w", err)
	}
	if job == nil {
		return fmt.Errorf("agentjob: journal for %s has no job record", jobID)
	}

	s.mu.Lock()
	s.jobs[jobID] = job
	s.items[jobID] = items
	s.mu.Unlock()
	return nil
}
