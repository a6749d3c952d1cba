package engine

import (
	"context"

	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
)

// reviewerDeveloperInstructions is prepended to a review turn's turn
// context, steering the model toward a critique-only stance rather than
// the default assistant stance (Open Question decision: review/start is
// a thin preset over turn/start, not a separate engine path).
const reviewerDeveloperInstructions = "You are reviewing a proposed change. Identify concrete defects with file and line references. Do not make edits yourself; report findings only."

// StartReview runs a turn with a reviewer preset layered onto the
// thread's current TurnContext: developer instructions are replaced
// (never merged, so a prior turn's task framing doesn't bleed into the
// critique) and the sandbox policy is forced read-only regardless of
// the thread's configured policy, since a reviewer has no business
// writing files.
func (e *Engine) StartReview(ctx context.Context, threadID domain.ThreadID, userText string, tools ToolExecutor) (*harness.TurnResult, error) {
	ts, err := e.lookup(threadID)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	original := ts.turnCtx
	ts.turnCtx.DeveloperInstructions = reviewerDeveloperInstructions
	ts.turnCtx.SandboxPolicy = domain.ReadOnlyPolicy()
	ts.mu.Unlock()

	defer func() {
		ts.mu.Lock()
		ts.turnCtx = original
		ts.mu.Unlock()
	}()

	return e.RunTurn(ctx, threadID, userText, tools)
}
