// Package telemetry defines the logging, metrics, and tracing interfaces
// consumed throughout the stele runtime (vm, engine, coordinator, nlu,
// strategy). Interfaces are kept intentionally small so tests can supply
// lightweight stubs without pulling in OpenTelemetry or Clue.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to goa.design/clue/log, but the
// interface is intentionally small so tests and demos can provide
// lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation (gas consumed, tasks executed, evaluations performed).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// TaskTelemetry captures observability metadata collected during an NLU task
// or strategy shard execution (duration, tokens/evaluations, provider/model
// used). The Extra map holds component-specific data.
type TaskTelemetry struct {
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// TokensUsed tracks the total tokens consumed by LLM calls, when applicable.
	TokensUsed int
	// Model identifies which LLM model was used (e.g., "claude-3-opus"), when applicable.
	Model string
	// Extra holds component-specific metadata not captured by common fields.
	Extra map[string]any
}
