// Package obs instruments the engine's turn and tool-call paths with
// OpenTelemetry spans and metrics. It only talks to the global API
// (otel.Tracer, otel.Meter): wiring an actual exporter/SDK into those
// global providers is left to cmd/agent-server's startup, the same way
// an unconfigured otel program gets a safe no-op tracer/meter rather
// than an error.
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "codexserver/pkg/engine"

// Hooks holds the tracer and metric instruments the engine calls into
// around a turn and around each tool dispatch. A nil *Hooks is valid:
// every method degrades to a no-op so Engine.obs can stay unset by
// default without special-casing every call site.
type Hooks struct {
	tracer trace.Tracer

	turns        metric.Int64Counter
	toolCalls    metric.Int64Counter
	turnDuration metric.Float64Histogram
}

// New builds Hooks against the global tracer/meter providers.
func New() (*Hooks, error) {
	meter := otel.Meter(instrumentationName)

	turns, err := meter.Int64Counter("codex.engine.turns",
		metric.WithDescription("Number of turns run, by outcome"))
	if err != nil {
		return nil, err
	}
	toolCalls, err := meter.Int64Counter("codex.engine.tool_calls",
		metric.WithDescription("Number of tool calls dispatched, by outcome"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("codex.engine.turn_duration_seconds",
		metric.WithDescription("Turn wall-clock duration in seconds"))
	if err != nil {
		return nil, err
	}

	return &Hooks{
		tracer:       otel.Tracer(instrumentationName),
		turns:        turns,
		toolCalls:    toolCalls,
		turnDuration: turnDuration,
	}, nil
}

// StartTurn opens a span covering one model turn and returns the
// context to run the turn under plus a function to call with the
// turn's outcome and duration when it finishes.
func (h *Hooks) StartTurn(ctx context.Context, threadID, model string) (context.Context, func(err error, durationSeconds float64)) {
	if h == nil {
		return ctx, func(error, float64) {}
	}
	spanCtx, span := h.tracer.Start(ctx, "engine.turn",
		trace.WithAttributes(
			attribute.String("codex.thread_id", threadID),
			attribute.String("codex.model", model),
		))
	return spanCtx, func(err error, durationSeconds float64) {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		attrs := metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		)
		h.turns.Add(ctx, 1, attrs)
		h.turnDuration.Record(ctx, durationSeconds, attrs)
		span.End()
	}
}

// StartToolCall opens a span covering one tool dispatch and returns a
// function to call with the dispatch's outcome when it finishes.
func (h *Hooks) StartToolCall(ctx context.Context, toolName string) (context.Context, func(isError bool)) {
	if h == nil {
		return ctx, func(bool) {}
	}
	spanCtx, span := h.tracer.Start(ctx, "engine.tool_call",
		trace.WithAttributes(attribute.String("codex.tool", toolName)))
	return spanCtx, func(isError bool) {
		status := "ok"
		if isError {
			status = "error"
			span.SetStatus(codes.Error, "tool call returned an error result")
		}
		h.toolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", toolName),
			attribute.String("status", status),
		))
		span.End()
	}
}
