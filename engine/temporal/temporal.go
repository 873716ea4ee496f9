// Package temporal adapts engine.Engine to a Temporal client and worker,
// letting the coordinator drive sessions as durable Temporal workflows
// without any engine-specific code above this package.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/stelevm/stele/engine"
	"github.com/stelevm/stele/telemetry"
)

// Engine adapts engine.Engine to a Temporal client/worker pair. Workflow and
// activity handlers are registered generically under a dispatcher keyed by
// name, since engine.WorkflowFunc/ActivityFunc signatures are not Temporal's
// native func shapes.
type Engine struct {
	client client.Client
	worker worker.Worker

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu         sync.RWMutex
	workflows  map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityDefinition
	registered bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(l telemetry.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Engine) { e.tracer = t } }

// New wraps an existing Temporal client and worker. The worker must be
// created against the task queue(s) this Engine's workflows/activities will
// run on; callers start it (worker.Run or Start) after registration.
func New(c client.Client, w worker.Worker, opts ...Option) *Engine {
	e := &Engine{
		client:     c,
		worker:     w,
		logger:     telemetry.NoopLogger{},
		metrics:    telemetry.NoopMetrics{},
		tracer:     telemetry.NoopTracer{},
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterWorkflow implements engine.Engine. The handler is wrapped in a
// Temporal-native workflow func and registered with the worker under def.Name.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	e.worker.RegisterWorkflowWithOptions(e.dispatchWorkflow(def), workflow.RegisterOptions{Name: def.Name})
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[def.Name]; exists {
		return fmt.Errorf("temporal: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	e.worker.RegisterActivityWithOptions(e.dispatchActivity(def), activity.RegisterOptions{Name: def.Name})
	return nil
}

// StartWorkflow implements engine.Engine by issuing a Temporal
// StartWorkflowOptions execution.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	opts := client.StartWorkflowOptions{
		ID:                  req.ID,
		TaskQueue:           req.TaskQueue,
		Memo:                req.Memo,
		SearchAttributes:    req.SearchAttributes,
		WorkflowRunTimeout:  0,
		RetryPolicy:         toTemporalRetryPolicy(req.RetryPolicy),
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal: start workflow %q: %w", req.Workflow, err)
	}
	return &workflowHandle{client: e.client, run: run}, nil
}

// dispatchWorkflow returns a Temporal-native workflow function that
// constructs a WorkflowContext wrapping wctx and delegates to def.Handler.
func (e *Engine) dispatchWorkflow(def engine.WorkflowDefinition) func(wctx workflow.Context, input any) (any, error) {
	return func(wctx workflow.Context, input any) (any, error) {
		wf := &workflowContext{wctx: wctx, engine: e, logger: e.logger, metrics: e.metrics, tracer: e.tracer}
		return def.Handler(wf, input)
	}
}

// dispatchActivity returns a Temporal-native activity function delegating
// to def.Handler.
func (e *Engine) dispatchActivity(def engine.ActivityDefinition) func(ctx context.Context, input any) (any, error) {
	return func(ctx context.Context, input any) (any, error) {
		return def.Handler(engine.WithActivityContext(ctx), input)
	}
}

func toTemporalRetryPolicy(rp engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if rp.MaxAttempts == 0 && rp.InitialInterval == 0 && rp.BackoffCoefficient == 0 {
		return nil
	}
	coeff := rp.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	return &sdktemporal.RetryPolicy{
		InitialInterval:    rp.InitialInterval,
		BackoffCoefficient: coeff,
		MaximumAttempts:    int32(rp.MaxAttempts),
	}
}

// workflowHandle adapts a Temporal WorkflowRun to engine.WorkflowHandle.
type workflowHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// workflowContext adapts workflow.Context to engine.WorkflowContext.
type workflowContext struct {
	wctx    workflow.Context
	engine  *Engine
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

func (w *workflowContext) Context() context.Context {
	// Temporal workflow code must not perform raw I/O through context.Context;
	// this exists only so ExecuteActivity's ctx parameter type-checks when
	// callers pass it straight through from engine-agnostic code.
	return contextFromWorkflow(w.wctx)
}

func (w *workflowContext) WorkflowID() string {
	return workflow.GetInfo(w.wctx).WorkflowExecution.ID
}

func (w *workflowContext) RunID() string {
	return workflow.GetInfo(w.wctx).WorkflowExecution.RunID
}

func (w *workflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.tracer }
func (w *workflowContext) Now() time.Time             { return workflow.Now(w.wctx) }

func (w *workflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	ctx := activityOptions(w.wctx, req)
	return workflow.ExecuteActivity(ctx, req.Name, req.Input).Get(ctx, result)
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	ctx := activityOptions(w.wctx, req)
	return &future{f: workflow.ExecuteActivity(ctx, req.Name, req.Input), wctx: w.wctx}, nil
}

func activityOptions(wctx workflow.Context, req engine.ActivityRequest) workflow.Context {
	opts := workflow.ActivityOptions{
		TaskQueue:           req.Queue,
		StartToCloseTimeout: req.Timeout,
	}
	if req.Timeout == 0 {
		opts.StartToCloseTimeout = 30 * time.Second
	}
	opts.RetryPolicy = toTemporalRetryPolicy(req.RetryPolicy)
	return workflow.WithActivityOptions(wctx, opts)
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{ch: workflow.GetSignalChannel(w.wctx, name), wctx: w.wctx}
}

type future struct {
	f    workflow.Future
	wctx workflow.Context
}

func (f *future) Get(_ context.Context, result any) error {
	return f.f.Get(f.wctx, result)
}

func (f *future) IsReady() bool { return f.f.IsReady() }

type signalChannel struct {
	ch   workflow.ReceiveChannel
	wctx workflow.Context
}

func (s *signalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.wctx, dest)
	return nil
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

// contextFromWorkflow returns a background context carrying no Temporal
// replay semantics; it exists solely to satisfy engine.WorkflowContext's
// Context() signature for callers that only need it to pass deadlines
// through to non-deterministic engine-agnostic helpers, never for direct
// workflow-code I/O.
func contextFromWorkflow(_ workflow.Context) context.Context {
	return context.Background()
}
