// Package approval brokers tool-call approvals between the thread/turn
// engine and the JSON-RPC front end: it decides, per the turn's
// ApprovalPolicy, whether a command or file change needs the user's
// sign-off, remembers "approved for session" decisions, and re-asks on
// sandbox denial under the on-failure policy.
package approval

import (
	"context"
	"fmt"
	"sync"

	"codexserver/pkg/domain"
)

// Decision is the outcome of an approval request.
type Decision int

const (
	Denied Decision = iota
	ApprovedOnce
	ApprovedForSession
	Aborted
)

func (d Decision) String() string {
	switch d {
	case ApprovedOnce:
		return "approved-once"
	case ApprovedForSession:
		return "approved-for-session"
	case Aborted:
		return "aborted"
	default:
		return "denied"
	}
}

// Allowed reports whether d permits the tool call to proceed.
func (d Decision) Allowed() bool { return d == ApprovedOnce || d == ApprovedForSession }

// Kind distinguishes what's being approved.
type Kind int

const (
	KindCommandExecution Kind = iota
	KindFileChange
)

// Request describes one thing needing approval.
type Request struct {
	ThreadID domain.ThreadID
	Kind     Kind
	// Key identifies the specific action for session-memory purposes
	// (e.g. the command argv joined, or the file path for a patch).
	Key    string
	Reason string
}

// Asker prompts the front end for a decision on req, returning the raw
// client answer. The agent server's implementation (cmd/agent-server)
// wraps an rpc.Conn.Call to item/commandExecution/requestApproval or
// item/fileChange/requestApproval.
type Asker func(ctx context.Context, req Request) (Decision, error)

// Broker decides whether a tool call proceeds without asking, asks via
// its Asker, and remembers per-thread "approved for session" answers.
type Broker struct {
	ask Asker

	mu       sync.Mutex
	sessions map[domain.ThreadID]map[string]bool // thread -> key -> approved-for-session
}

// NewBroker creates a Broker that calls ask when a decision can't be
// made from policy or session memory alone.
func NewBroker(ask Asker) *Broker {
	return &Broker{ask: ask, sessions: make(map[domain.ThreadID]map[string]bool)}
}

// Evaluate decides whether req may proceed under policy, consulting and
// updating session memory, and asking the front end when the policy
// requires it. sandboxFailed is set when this call is a re-ask after a
// sandboxed attempt already failed (the on-failure policy's trigger).
func (b *Broker) Evaluate(ctx context.Context, policy domain.ApprovalPolicy, req Request, sandboxFailed bool) (Decision, error) {
	if b.rememberedForSession(req) {
		return ApprovedForSession, nil
	}

	switch policy {
	case domain.ApprovalNever:
		return ApprovedOnce, nil
	case domain.ApprovalOnFailure:
		if !sandboxFailed {
			return ApprovedOnce, nil
		}
	case domain.ApprovalOnRequest:
		// Always ask; falls through.
	case domain.ApprovalUnlessTrusted:
		// Policy considers most actions trusted by default; callers that
		// determine an action is untrusted route it here with the need
		// to ask already established by the turn/engine layer.
	}

	if b.ask == nil {
		return Denied, fmt.Errorf("approval: no front end attached to ask")
	}
	decision, err := b.ask(ctx, req)
	if err != nil {
		return Denied, fmt.Errorf("approval: ask: %w", err)
	}
	if decision == ApprovedForSession {
		b.rememberForSession(req)
	}
	return decision, nil
}

func (b *Broker) rememberedForSession(req Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKey, ok := b.sessions[req.ThreadID]
	if !ok {
		return false
	}
	return byKey[req.Key]
}

func (b *Broker) rememberForSession(req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKey, ok := b.sessions[req.ThreadID]
	if !ok {
		byKey = make(map[string]bool)
		b.sessions[req.ThreadID] = byKey
	}
	byKey[req.Key] = true
}

// ForgetThread clears session-approval memory for a thread, called when
// a thread is archived or its turn aborts.
func (b *Broker) ForgetThread(id domain.ThreadID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}
