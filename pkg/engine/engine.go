// Package engine runs the thread/turn state machine: it owns a
// thread's lifecycle (start, resume, fork, archive, rollback, compact),
// drives the agentic loop for a turn by generalizing
// codexserver/pkg/harness's provider-agnostic loop, and wires in the
// rollout store, approval broker, and sandboxed tool execution.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
	"codexserver/pkg/metrics"
	"codexserver/pkg/obs"
	"codexserver/pkg/payments"
	"codexserver/pkg/rollout"
)

// State is a turn's position in the lifecycle state machine.
type State int

const (
	StateIdle State = iota
	StateComposing
	StateStreaming
	StateDispatching
	StateAwaitingApproval
	StateFinalizing
	StateFailing
)

func (s State) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateStreaming:
		return "streaming"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingApproval:
		return "awaiting-approval"
	case StateFinalizing:
		return "finalizing"
	case StateFailing:
		return "failing"
	default:
		return "idle"
	}
}

// Notifier pushes a server-initiated notification to the front end.
// Implemented in cmd/agent-server by wrapping rpc.Conn.Notify.
type Notifier interface {
	Notify(method string, params any) error
}

// threadState is the engine's in-memory view of one loaded thread. The
// rollout file remains the durable source of truth; this is a cache
// rebuilt from Replay on thread/resume.
type threadState struct {
	mu      sync.Mutex
	thread  *domain.Thread
	turnCtx domain.TurnContext
	state   State
	cancel  context.CancelFunc
}

// Engine coordinates all loaded threads.
type Engine struct {
	rollouts  *rollout.Store
	broker    *approval.Broker
	notifier  Notifier
	harnesses map[string]harness.Harness // keyed by provider id, selected per TurnContext.Model

	mu      sync.Mutex
	threads map[domain.ThreadID]*threadState

	// metrics, when set via SetMetrics, records a RequestMetric per
	// turn and per tool dispatch. Nil (the default) disables recording.
	metrics *metrics.Collector
	// billing, when set via SetBilling, gates each RunTurn behind an
	// account-level spend check before the turn starts, reusing the
	// proxy's L402 token-meter gateway for agent-job admission control
	// instead of per-HTTP-request metering.
	billing payments.Gateway
	// obs, when set via SetObserver, emits a trace span and metrics for
	// each turn and each tool dispatch. Nil (the default) is a no-op,
	// per obs.Hooks's nil-receiver contract.
	obs *obs.Hooks
}

// New creates an Engine. harnesses maps a provider identifier (as
// returned by harness.Harness.Name) to the harness instance handling
// that provider's models.
func New(rollouts *rollout.Store, broker *approval.Broker, notifier Notifier, harnesses map[string]harness.Harness) *Engine {
	return &Engine{
		rollouts:  rollouts,
		broker:    broker,
		notifier:  notifier,
		harnesses: harnesses,
		threads:   make(map[domain.ThreadID]*threadState),
	}
}

// SetMetrics attaches a metrics collector. Call once before serving
// requests; not safe to change concurrently with RunTurn.
func (e *Engine) SetMetrics(m *metrics.Collector) { e.metrics = m }

// SetBilling attaches a payments gateway gating turn admission. Call
// once before serving requests; not safe to change concurrently with
// RunTurn.
func (e *Engine) SetBilling(g payments.Gateway) { e.billing = g }

// SetObserver attaches OpenTelemetry span/metric hooks. Call once
// before serving requests; not safe to change concurrently with
// RunTurn.
func (e *Engine) SetObserver(h *obs.Hooks) { e.obs = h }

// LoadedThreadIDs returns the ids of threads currently cached in
// memory (thread/resume, thread/start, or thread/fork having run this
// process), for thread/loaded/list and the admin ops surface.
func (e *Engine) LoadedThreadIDs() []domain.ThreadID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]domain.ThreadID, 0, len(e.threads))
	for id := range e.threads {
		ids = append(ids, id)
	}
	return ids
}

// StartThread creates a brand-new thread and returns its id.
func (e *Engine) StartThread(tc domain.TurnContext, account domain.Account) (domain.ThreadID, error) {
	id := domain.NewThreadID()
	meta := rollout.SessionMeta{ThreadID: id, Cwd: tc.Cwd, ProviderID: tc.Model}
	if err := e.rollouts.CreateSession(id, meta, ""); err != nil {
		return "", fmt.Errorf("engine: start thread: %w", err)
	}
	if err := e.rollouts.AppendTurnContext(id, tc); err != nil {
		return "", fmt.Errorf("engine: start thread: record turn context: %w", err)
	}

	ts := &threadState{
		thread:  &domain.Thread{ID: id, Account: account, Model: tc.Model, Cwd: tc.Cwd, CreatedAt: time.Now(), UpdatedAt: time.Now()},
		turnCtx: tc,
		state:   StateIdle,
	}
	e.mu.Lock()
	e.threads[id] = ts
	e.mu.Unlock()

	e.notify(rpcNotifyThreadStarted, map[string]any{"threadId": id})
	return id, nil
}

// ResumeThread replays a thread's rollout into memory, making it active
// again. Resume always does a full replay, never a cached snapshot.
func (e *Engine) ResumeThread(id domain.ThreadID) (*domain.Thread, error) {
	thread, err := e.rollouts.Replay(id)
	if err != nil {
		return nil, fmt.Errorf("engine: resume %s: %w", id, err)
	}
	tc := domain.TurnContext{Cwd: thread.Cwd, Model: thread.Model}
	if n := len(thread.Turns); n > 0 {
		tc = thread.Turns[n-1]
	}
	ts := &threadState{thread: thread, turnCtx: tc, state: StateIdle}
	e.mu.Lock()
	e.threads[id] = ts
	e.mu.Unlock()
	return thread, nil
}

// ForkThread copies items up to upToIndex into a new thread and loads
// it into memory.
func (e *Engine) ForkThread(src domain.ThreadID, upToIndex int) (domain.ThreadID, error) {
	newID, err := e.rollouts.Fork(src, upToIndex)
	if err != nil {
		return "", fmt.Errorf("engine: fork %s: %w", src, err)
	}
	if _, err := e.ResumeThread(newID); err != nil {
		return "", err
	}
	return newID, nil
}

// ArchiveThread marks a thread archived and drops its approval-session
// memory; the rollout file itself is untouched (archival is a listing
// concern, not a deletion).
func (e *Engine) ArchiveThread(id domain.ThreadID) error {
	e.mu.Lock()
	ts, ok := e.threads[id]
	e.mu.Unlock()
	if ok {
		ts.mu.Lock()
		ts.thread.Archived = true
		ts.mu.Unlock()
	}
	e.broker.ForgetThread(id)
	return nil
}

// UnarchiveThread clears the archived flag.
func (e *Engine) UnarchiveThread(id domain.ThreadID) error {
	e.mu.Lock()
	ts, ok := e.threads[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: thread %s not loaded", id)
	}
	ts.mu.Lock()
	ts.thread.Archived = false
	ts.mu.Unlock()
	return nil
}

// SetThreadName assigns the thread's human-readable name.
func (e *Engine) SetThreadName(id domain.ThreadID, name string) error {
	if err := e.rollouts.SetName(id, name); err != nil {
		return err
	}
	e.mu.Lock()
	ts, ok := e.threads[id]
	e.mu.Unlock()
	if ok {
		ts.mu.Lock()
		ts.thread.Name = name
		ts.mu.Unlock()
	}
	e.notify(rpcNotifyThreadNameUpdated, map[string]any{"threadId": id, "name": name})
	return nil
}

// Rollback rejects a rollback request made while a turn is actively
// streaming or dispatching (redesigned behavior: rollback only applies
// between turns, never mid-turn, to avoid tearing down in-flight tool
// executions). Returns an error in that case; otherwise truncates the
// in-memory item list back to the requested index. The rollout file is
// append-only and is not rewritten — rollback is a read-side view, and
// a subsequent turn simply appends past the rolled-back point.
func (e *Engine) Rollback(id domain.ThreadID, toItemIndex int) error {
	e.mu.Lock()
	ts, ok := e.threads[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: thread %s not loaded", id)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state != StateIdle {
		return fmt.Errorf("engine: cannot rollback thread %s while turn is %s", id, ts.state)
	}
	if toItemIndex < 0 || toItemIndex > len(ts.thread.Items) {
		return fmt.Errorf("engine: rollback index %d out of range", toItemIndex)
	}
	ts.thread.Items = ts.thread.Items[:toItemIndex]
	return nil
}

func (e *Engine) lookup(id domain.ThreadID) (*threadState, error) {
	e.mu.Lock()
	ts, ok := e.threads[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: thread %s not loaded", id)
	}
	return ts, nil
}

func (e *Engine) notify(method string, params any) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Notify(method, params)
}

// Notification method names used by the engine. Mirrors pkg/rpc's
// constants to avoid an import cycle (pkg/rpc never imports pkg/engine).
const (
	rpcNotifyThreadStarted     = "thread/started"
	rpcNotifyThreadNameUpdated = "thread/name/updated"
	rpcNotifyTurnStarted       = "turn/started"
	rpcNotifyTurnCompleted     = "turn/completed"
	rpcNotifyItemStarted       = "item/started"
	rpcNotifyItemCompleted     = "item/completed"
	rpcNotifyThreadCompacted   = "thread/compacted"
)
