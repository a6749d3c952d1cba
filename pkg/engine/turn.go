package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"codexserver/pkg/approval"
	"codexserver/pkg/domain"
	"codexserver/pkg/harness"
	"codexserver/pkg/metrics"
	"codexserver/pkg/sandbox"
)

// ToolExecutor runs a single tool call outside the model turn loop:
// shell commands go through pkg/sandbox, apply_patch through
// pkg/patch, mcp_tool_call through pkg/tools. The engine only needs to
// know how to ask for approval and hand off execution; it stays
// agnostic to what a given tool name actually does.
type ToolExecutor interface {
	Execute(ctx context.Context, call harness.ToolCallEvent, tc domain.TurnContext) (output string, isError bool, err error)
	// RequiresApproval reports whether call needs an approval.Request
	// before Execute runs, and the request to ask with.
	RequiresApproval(call harness.ToolCallEvent, tc domain.TurnContext) (approval.Request, bool)
}

// RunTurn drives one model turn on threadID: compose the message list
// from thread history, stream the model's response, dispatch any tool
// calls through the approval broker and ToolExecutor, append resulting
// items to the rollout, and notify the front end as items complete.
func (e *Engine) RunTurn(ctx context.Context, threadID domain.ThreadID, userText string, tools ToolExecutor) (*harness.TurnResult, error) {
	ts, err := e.lookup(threadID)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	if ts.state != StateIdle {
		ts.mu.Unlock()
		return nil, fmt.Errorf("engine: thread %s has a turn already in progress (%s)", threadID, ts.state)
	}
	turnCtx := ts.turnCtx
	turnCtx.Cwd = ts.thread.Cwd
	account := ts.thread.Account
	ts.state = StateComposing
	runCtx, cancel := context.WithCancel(ctx)
	ts.cancel = cancel
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		ts.state = StateIdle
		ts.cancel = nil
		ts.mu.Unlock()
	}()

	if err := e.admitTurn(runCtx, threadID, account, turnCtx.Model); err != nil {
		e.fail(ts, threadID, err)
		return nil, err
	}

	h, err := e.harnessFor(turnCtx.Model)
	if err != nil {
		e.fail(ts, threadID, err)
		return nil, err
	}

	turnStart := time.Now()

	userItem := domain.Item{ID: newItemID(), Kind: domain.ItemUserMessage, Role: "user", Text: userText, CreatedAt: time.Now()}
	if err := e.appendItem(ts, threadID, userItem); err != nil {
		return nil, err
	}

	turn := &harness.Turn{
		Model:        turnCtx.Model,
		Instructions: turnCtx.DeveloperInstructions,
		Messages:     messagesFromThread(ts.thread, turnCtx),
		Reasoning:    &harness.ReasoningConfig{Effort: turnCtx.ReasoningEffort, Summaries: turnCtx.ReasoningSummary != ""},
	}

	e.notify(rpcNotifyTurnStarted, map[string]any{"threadId": threadID})
	ts.setState(StateStreaming)

	handler := &turnToolHandler{engine: e, ts: ts, threadID: threadID, turnCtx: turnCtx, tools: tools}

	spanCtx, endSpan := e.obs.StartTurn(runCtx, string(threadID), turnCtx.Model)
	result, err := h.RunToolLoop(spanCtx, turn, handler, harness.LoopOptions{
		OnEvent: func(ev harness.Event) error { return e.onModelEvent(threadID, ev) },
	})
	endSpan(err, time.Since(turnStart).Seconds())
	if err != nil {
		e.fail(ts, threadID, err)
		e.recordTurnMetric(turnStart, turnCtx.Model, nil, err)
		return nil, err
	}
	e.recordTurnMetric(turnStart, turnCtx.Model, result.Usage, nil)

	if result.FinalText != "" {
		assistantItem := domain.Item{ID: newItemID(), Kind: domain.ItemAssistantMessage, Role: "assistant", Text: result.FinalText, CreatedAt: time.Now()}
		if err := e.appendItem(ts, threadID, assistantItem); err != nil {
			return nil, err
		}
	}

	e.notify(rpcNotifyTurnCompleted, map[string]any{"threadId": threadID})
	return result, nil
}

func (e *Engine) onModelEvent(threadID domain.ThreadID, ev harness.Event) error {
	switch ev.Kind {
	case harness.EventText:
		if ev.Text != nil && ev.Text.Delta != "" {
			e.notify(rpcNotifyItemAgentMessageDelta, map[string]any{"threadId": threadID, "delta": ev.Text.Delta})
		}
	case harness.EventPlanUpdate:
		if ev.Plan != nil {
			e.notify(rpcNotifyTurnPlanUpdated, map[string]any{"threadId": threadID, "title": ev.Plan.Title, "status": ev.Plan.Status})
		}
	}
	return nil
}

// turnToolHandler adapts the approval broker + sandboxed executors to
// harness.ToolHandler: it asks for approval first when policy requires,
// then dispatches the tool call.
type turnToolHandler struct {
	engine   *Engine
	ts       *threadState
	threadID domain.ThreadID
	turnCtx  domain.TurnContext
	tools    ToolExecutor
}

func (h *turnToolHandler) Available() []harness.ToolSpec { return nil }

func (h *turnToolHandler) Handle(ctx context.Context, call harness.ToolCallEvent) (*harness.ToolResultEvent, error) {
	dispatchStart := time.Now()
	callItem := domain.Item{
		ID: newItemID(), Kind: domain.ItemToolCall, ToolName: call.Name, CallID: call.CallID,
		Arguments: call.Arguments, CreatedAt: time.Now(),
	}
	if err := h.engine.appendItem(h.ts, h.threadID, callItem); err != nil {
		return nil, err
	}
	h.engine.notify(rpcNotifyItemStarted, map[string]any{"threadId": h.threadID, "itemId": callItem.ID, "tool": call.Name})

	ctx, endSpan := h.engine.obs.StartToolCall(ctx, call.Name)

	if h.tools == nil {
		endSpan(true)
		return h.finish(call, "", true, fmt.Errorf("engine: no tool executor configured"), dispatchStart)
	}

	h.ts.setState(StateDispatching)
	output, isError, err := h.runWithApproval(ctx, call)
	h.ts.setState(StateStreaming)
	endSpan(isError || err != nil)
	return h.finish(call, output, isError, err, dispatchStart)
}

func (h *turnToolHandler) runWithApproval(ctx context.Context, call harness.ToolCallEvent) (string, bool, error) {
	req, needsApproval := h.tools.RequiresApproval(call, h.turnCtx)
	sandboxFailed := false

	if needsApproval {
		h.ts.setState(StateAwaitingApproval)
		decision, err := h.engine.broker.Evaluate(ctx, h.turnCtx.ApprovalPolicy, req, sandboxFailed)
		h.ts.setState(StateDispatching)
		if err != nil {
			return "", true, err
		}
		if !decision.Allowed() {
			return "approval denied", true, nil
		}
	}

	output, isError, err := h.tools.Execute(ctx, call, h.turnCtx)

	// On-failure policy: a sandbox denial triggers a re-ask with
	// escalated context, then retries once if approved.
	if err == nil && isError && h.turnCtx.ApprovalPolicy == domain.ApprovalOnFailure && isSandboxDenial(output) {
		decision, aerr := h.engine.broker.Evaluate(ctx, h.turnCtx.ApprovalPolicy, req, true)
		if aerr == nil && decision.Allowed() {
			return h.tools.Execute(ctx, call, h.turnCtx)
		}
	}
	return output, isError, err
}

func isSandboxDenial(output string) bool {
	return strings.Contains(output, sandbox.SandboxDenied.String())
}

func (h *turnToolHandler) finish(call harness.ToolCallEvent, output string, isError bool, err error, dispatchStart time.Time) (*harness.ToolResultEvent, error) {
	if err != nil {
		output = err.Error()
		isError = true
	}
	outItem := domain.Item{
		ID: newItemID(), Kind: domain.ItemToolOutput, CallID: call.CallID, Output: output, IsError: isError, CreatedAt: time.Now(),
	}
	if aerr := h.engine.appendItem(h.ts, h.threadID, outItem); aerr != nil {
		return nil, aerr
	}
	h.engine.notify(rpcNotifyItemCompleted, map[string]any{"threadId": h.threadID, "itemId": outItem.ID, "isError": isError})
	h.engine.recordToolMetric(dispatchStart, call.Name, isError)
	return &harness.ToolResultEvent{CallID: call.CallID, Output: output, IsError: isError}, nil
}

func (e *Engine) appendItem(ts *threadState, threadID domain.ThreadID, item domain.Item) error {
	if err := e.rollouts.AppendItem(threadID, item); err != nil {
		return fmt.Errorf("engine: append item: %w", err)
	}
	ts.mu.Lock()
	ts.thread.Items = append(ts.thread.Items, item)
	ts.thread.UpdatedAt = item.CreatedAt
	ts.mu.Unlock()
	return nil
}

func (e *Engine) fail(ts *threadState, threadID domain.ThreadID, err error) {
	ts.setState(StateFailing)
	e.notify("error", map[string]any{"threadId": threadID, "message": err.Error()})
}

func (ts *threadState) setState(s State) {
	ts.mu.Lock()
	ts.state = s
	ts.mu.Unlock()
}

func (e *Engine) harnessFor(model string) (harness.Harness, error) {
	for _, h := range e.harnesses {
		if h.MatchesModel(model) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("engine: no harness registered for model %q", model)
}

func messagesFromThread(t *domain.Thread, tc domain.TurnContext) []harness.Message {
	msgs := make([]harness.Message, 0, len(t.Items)+1)
	if tc.UserInstructions != "" {
		msgs = append(msgs, harness.Message{Role: "system", Content: tc.UserInstructions})
	}
	for _, item := range t.Items {
		switch item.Kind {
		case domain.ItemUserMessage:
			msgs = append(msgs, harness.Message{Role: "user", Content: item.Text})
		case domain.ItemAssistantMessage:
			msgs = append(msgs, harness.Message{Role: "assistant", Content: item.Text})
		case domain.ItemToolOutput:
			msgs = append(msgs, harness.Message{Role: "tool", Content: item.Output, ToolID: item.CallID})
		}
	}
	return msgs
}

func newItemID() string { return uuid.NewString() }

const (
	rpcNotifyItemAgentMessageDelta = "item/agentMessage/delta"
	rpcNotifyTurnPlanUpdated       = "turn/plan/updated"
)

// InterruptTurn cancels an in-flight turn on threadID, if any.
func (e *Engine) InterruptTurn(threadID domain.ThreadID) error {
	ts, err := e.lookup(threadID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	cancel := ts.cancel
	ts.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("engine: thread %s has no active turn", threadID)
	}
	cancel()
	return nil
}

// admitTurn gates a turn behind the billing gateway, when configured.
// purpose "turn/start" mirrors the proxy's L402 challenge purposes;
// here the "payment" is an account-level spend check rather than a
// macaroon handshake, so a Challenge response outside 2xx blocks the
// turn before any model call is made.
func (e *Engine) admitTurn(ctx context.Context, threadID domain.ThreadID, account domain.Account, model string) error {
	if e.billing == nil || !e.billing.Enabled() {
		return nil
	}
	keyID := account.Email
	if keyID == "" {
		keyID = string(threadID)
	}
	status, _, body, err := e.billing.Challenge(ctx, "turn/start", keyID, model, "")
	if err != nil {
		return fmt.Errorf("engine: billing challenge: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("engine: turn blocked by billing gateway: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (e *Engine) recordTurnMetric(start time.Time, model string, usage *harness.UsageEvent, err error) {
	if e.metrics == nil {
		return
	}
	m := metrics.RequestMetric{Timestamp: start, Backend: "turn", Model: model, Latency: time.Since(start), Status: "ok"}
	if err != nil {
		m.Status = "error"
		m.Error = err.Error()
	}
	if usage != nil {
		m.TokensIn = usage.InputTokens
		m.TokensOut = usage.OutputTokens
	}
	e.metrics.Record(m)
}

func (e *Engine) recordToolMetric(start time.Time, toolName string, isError bool) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	e.metrics.Record(metrics.RequestMetric{
		Timestamp: start,
		Backend:   "tool:" + toolName,
		Latency:   time.Since(start),
		Status:    status,
	})
}
