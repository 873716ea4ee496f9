package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NoopLogger, NoopMetrics, and NoopTracer back every component's default
// telemetry (vm.Interpreter, coordinator.Coordinator, the engine adapters,
// nlu/executor.Executor, strategy.Execute) whenever a caller does not wire
// a Clue-backed implementation: gas-metered VM execution and block-graph
// walks must never depend on an observability backend being configured.
type (
	NoopLogger  struct{}
	NoopMetrics struct{}
	NoopTracer  struct{}

	noopSpan struct{}
)

// NewNoopLogger returns the zero-value NoopLogger as a Logger.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics returns the zero-value NoopMetrics as a Metrics recorder.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer returns the zero-value NoopTracer as a Tracer.
func NewNoopTracer() Tracer { return NoopTracer{} }

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}

// Start satisfies Tracer without allocating a real span or touching ctx.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) Span(context.Context) Span { return noopSpan{} }

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
