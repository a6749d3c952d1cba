// Package rollout persists per-thread transcripts as append-only JSONL
// files. Each thread exclusively owns its rollout file; appends are
// serialized per-thread and never rewrite existing lines.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"codexserver/pkg/domain"
)

// LineKind tags a RolloutLine's payload.
type LineKind string

const (
	LineSessionMeta  LineKind = "session_meta"
	LineTurnContext  LineKind = "turn_context"
	LineItem         LineKind = "item"
)

// SessionMeta is the first line written to a rollout file.
type SessionMeta struct {
	ThreadID   domain.ThreadID `json:"thread_id"`
	Cwd        string          `json:"cwd"`
	GitBranch  string          `json:"git_branch,omitempty"`
	GitCommit  string          `json:"git_commit,omitempty"`
	ProviderID string          `json:"provider_id,omitempty"`
}

// Line is one JSONL record: {timestamp, kind, payload}.
type Line struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      LineKind        `json:"kind"`
	Meta      *SessionMeta    `json:"meta,omitempty"`
	Turn      *domain.TurnContext `json:"turn,omitempty"`
	Item      *domain.Item    `json:"item,omitempty"`
}

// Store manages rollout files under a root directory, one JSONL file
// per thread at {root}/sessions/{id}.jsonl.
type Store struct {
	root string

	mu     sync.Mutex
	locks  map[domain.ThreadID]*sync.Mutex
	names  map[string]domain.ThreadID // human name -> thread id, in-memory index
}

// NewStore creates a rollout store rooted at dir. dir/sessions is
// created lazily on first write.
func NewStore(dir string) *Store {
	return &Store{root: dir, locks: make(map[domain.ThreadID]*sync.Mutex), names: make(map[string]domain.ThreadID)}
}

func (s *Store) sessionsDir() string { return filepath.Join(s.root, "sessions") }

func (s *Store) pathFor(id domain.ThreadID) string {
	return filepath.Join(s.sessionsDir(), string(id)+".jsonl")
}

func (s *Store) lockFor(id domain.ThreadID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreateSession writes the initial SessionMeta line for a new thread.
func (s *Store) CreateSession(id domain.ThreadID, meta SessionMeta, name string) error {
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return fmt.Errorf("rollout: create sessions dir: %w", err)
	}
	meta.ThreadID = id
	line := Line{Timestamp: time.Now().UTC(), Kind: LineSessionMeta, Meta: &meta}
	if err := s.appendLine(id, line); err != nil {
		return err
	}
	if strings.TrimSpace(name) != "" {
		s.mu.Lock()
		s.names[name] = id
		s.mu.Unlock()
	}
	return nil
}

// AppendTurnContext records the parameters in effect for a new turn.
func (s *Store) AppendTurnContext(id domain.ThreadID, tc domain.TurnContext) error {
	return s.appendLine(id, Line{Timestamp: time.Now().UTC(), Kind: LineTurnContext, Turn: &tc})
}

// AppendItem records a new content item.
func (s *Store) AppendItem(id domain.ThreadID, item domain.Item) error {
	return s.appendLine(id, Line{Timestamp: time.Now().UTC(), Kind: LineItem, Item: &item})
}

// appendLine is atomic at line granularity: acquire the thread's
// exclusive lock, open for append, write one line, flush, close. Lines
// already written are never rewritten.
func (s *Store) appendLine(id domain.ThreadID, line Line) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	buf, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("rollout: marshal line: %w", err)
	}
	f, err := os.OpenFile(s.pathFor(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("rollout: open %s: %w", id, err)
	}
	defer f.Close()
	if _, err := f.Write(append(buf, '\n')); err != nil {
		return fmt.Errorf("rollout: append %s: %w", id, err)
	}
	return f.Sync()
}

// ReadSessionMetaLine reads only the first line of the rollout file.
// Returns an error if the file is missing or the first line is corrupt;
// callers should log a warning and exclude the thread from listings
// rather than fail outright.
func (s *Store) ReadSessionMetaLine(id domain.ThreadID) (SessionMeta, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		return SessionMeta{}, fmt.Errorf("rollout: open %s: %w", id, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return SessionMeta{}, fmt.Errorf("rollout: %s: empty file", id)
	}
	var line Line
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil || line.Meta == nil {
		return SessionMeta{}, fmt.Errorf("rollout: %s: corrupt meta line", id)
	}
	return *line.Meta, nil
}

// ParseLatestTurnContextCwd scans from the tail for the newest
// TurnContext line and returns its cwd, falling back to the
// SessionMeta's cwd when no TurnContext has been recorded yet. Uses
// gjson for a cheap structural peek at each line's "kind" field so
// lines that aren't turn_context records are skipped without a full
// unmarshal.
func (s *Store) ParseLatestTurnContextCwd(id domain.ThreadID) (string, error) {
	lines, err := s.readAllLines(id)
	if err != nil {
		return "", err
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if gjson.GetBytes(lines[i], "kind").String() != string(LineTurnContext) {
			continue
		}
		var line Line
		if err := json.Unmarshal(lines[i], &line); err != nil || line.Turn == nil {
			continue
		}
		return line.Turn.Cwd, nil
	}
	meta, err := s.ReadSessionMetaLine(id)
	if err != nil {
		return "", err
	}
	return meta.Cwd, nil
}

// readAllLines reads the file, tolerating a partially-written trailing
// line by ignoring any line that fails to decode as valid JSON (spec
// §4.3 failure mode: "corrupt trailing line").
func (s *Store) readAllLines(id domain.ThreadID) ([][]byte, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", id, err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		b := scanner.Bytes()
		if len(b) == 0 || !json.Valid(b) {
			continue
		}
		lines = append(lines, append([]byte(nil), b...))
	}
	return lines, nil
}

// Replay reconstructs a thread's full in-memory state by replaying its
// rollout file top to bottom (used for thread/resume).
func (s *Store) Replay(id domain.ThreadID) (*domain.Thread, error) {
	lines, err := s.readAllLines(id)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("rollout: %s: empty rollout", id)
	}
	thread := &domain.Thread{ID: id}
	for i, raw := range lines {
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		switch line.Kind {
		case LineSessionMeta:
			if line.Meta != nil {
				thread.Cwd = line.Meta.Cwd
				if i == 0 {
					thread.CreatedAt = line.Timestamp
				}
			}
		case LineTurnContext:
			if line.Turn != nil {
				thread.Turns = append(thread.Turns, *line.Turn)
				thread.Cwd = line.Turn.Cwd
				thread.Model = line.Turn.Model
			}
		case LineItem:
			if line.Item != nil {
				thread.Items = append(thread.Items, *line.Item)
			}
		}
		thread.UpdatedAt = line.Timestamp
	}
	return thread, nil
}

// Fork copies the first upToIndex items (indices 0 through upToIndex-1)
// from src into a freshly minted thread id, returning the new id. Items
// from index upToIndex on are not copied.
func (s *Store) Fork(src domain.ThreadID, upToIndex int) (domain.ThreadID, error) {
	thread, err := s.Replay(src)
	if err != nil {
		return "", err
	}
	newID := domain.NewThreadID()
	meta := SessionMeta{ThreadID: newID, Cwd: thread.Cwd}
	if err := s.CreateSession(newID, meta, ""); err != nil {
		return "", err
	}
	if upToIndex > len(thread.Items) {
		upToIndex = len(thread.Items)
	}
	for _, item := range thread.Items[:upToIndex] {
		if err := s.AppendItem(newID, item); err != nil {
			return "", err
		}
	}
	return newID, nil
}

// SortKey selects the field list_threads sorts by.
type SortKey string

const (
	SortCreatedAt SortKey = "created_at"
	SortUpdatedAt SortKey = "updated_at"
)

// ListFilter narrows list_threads results.
type ListFilter struct {
	ProviderID string
	CwdPrefix  string
}

// ThreadSummary is one row of a list_threads page.
type ThreadSummary struct {
	ID        domain.ThreadID
	Cwd       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Page is a cursor-paginated slice of list_threads results.
type Page struct {
	Threads []ThreadSummary
	Cursor  string // opaque; empty means no further pages
}

// ListThreads scans the session index, applies filters, and returns a
// stable cursor page sorted by sortKey descending (most recent first).
func (s *Store) ListThreads(limit int, cursor string, sortKey SortKey, filter ListFilter) (Page, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return Page{}, nil
		}
		return Page{}, fmt.Errorf("rollout: list sessions: %w", err)
	}

	var summaries []ThreadSummary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := domain.ThreadID(strings.TrimSuffix(e.Name(), ".jsonl"))
		meta, err := s.ReadSessionMetaLine(id)
		if err != nil {
			// Unreadable meta line: exclude rather than fail the whole listing.
			continue
		}
		if filter.ProviderID != "" && meta.ProviderID != filter.ProviderID {
			continue
		}
		if filter.CwdPrefix != "" && !strings.HasPrefix(meta.Cwd, filter.CwdPrefix) {
			continue
		}
		info, err := os.Stat(s.pathFor(id))
		if err != nil {
			continue
		}
		summaries = append(summaries, ThreadSummary{
			ID:        id,
			Cwd:       meta.Cwd,
			CreatedAt: info.ModTime(),
			UpdatedAt: info.ModTime(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		var a, b time.Time
		switch sortKey {
		case SortCreatedAt:
			a, b = summaries[i].CreatedAt, summaries[j].CreatedAt
		default:
			a, b = summaries[i].UpdatedAt, summaries[j].UpdatedAt
		}
		return a.After(b)
	})

	start := 0
	if cursor != "" {
		for i, t := range summaries {
			if string(t.ID) == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(summaries) {
		end = len(summaries)
	}
	if start > len(summaries) {
		start = len(summaries)
	}
	page := Page{Threads: summaries[start:end]}
	if end < len(summaries) {
		page.Cursor = string(summaries[end-1].ID)
	}
	return page, nil
}

// FindThreadPathByID resolves a thread's rollout file path by UUID.
func (s *Store) FindThreadPathByID(id domain.ThreadID) (string, error) {
	p := s.pathFor(id)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("rollout: thread %s not found: %w", id, err)
	}
	return p, nil
}

// FindThreadPathByName resolves a thread's rollout file path by its
// human-assigned name.
func (s *Store) FindThreadPathByName(name string) (string, error) {
	s.mu.Lock()
	id, ok := s.names[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("rollout: no thread named %q", name)
	}
	return s.FindThreadPathByID(id)
}

// SetName records the human-assigned name for id, enforcing uniqueness
// within this store.
func (s *Store) SetName(id domain.ThreadID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.names[name]; ok && existing != id {
		return fmt.Errorf("rollout: name %q already in use by thread %s", name, existing)
	}
	s.names[name] = id
	return nil
}
