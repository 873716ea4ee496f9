// Package inmem implements engine.Engine entirely in-process with goroutines
// and channels. It is the default backend for sessions that do not need
// cross-process durability; session persistence itself is handled
// independently by the session package, so a process restart loses only
// in-flight workflow goroutines, not committed session state.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stelevm/stele/engine"
	"github.com/stelevm/stele/telemetry"
)

// Engine is an in-memory engine.Engine. It is safe for concurrent use.
type Engine struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu         sync.RWMutex
	workflows  map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityDefinition
	handles    map[string]*handle
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(l telemetry.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Engine) { e.tracer = t } }

// New returns an empty in-memory Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:     telemetry.NoopLogger{},
		metrics:    telemetry.NoopMetrics{},
		tracer:     telemetry.NoopTracer{},
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		handles:    make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("inmem: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[def.Name]; exists {
		return fmt.Errorf("inmem: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// StartWorkflow implements engine.Engine, launching the registered workflow
// handler on its own goroutine with a fresh WorkflowContext.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("inmem: workflow %q is not registered", req.Workflow)
	}
	if _, exists := e.handles[req.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("inmem: workflow id %q already running", req.ID)
	}
	h := newHandle(req.ID)
	e.handles[req.ID] = h
	e.mu.Unlock()

	wfCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	wf := &workflowContext{
		ctx:     wfCtx,
		id:      req.ID,
		runID:   h.runID,
		engine:  e,
		logger:  e.logger,
		metrics: e.metrics,
		tracer:  e.tracer,
		signals: make(map[string]*signalChannel),
	}

	go func() {
		result, err := def.Handler(wf, req.Input)
		h.complete(result, err)
	}()

	return h, nil
}

func (e *Engine) activity(name string) (engine.ActivityDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.activities[name]
	return def, ok
}

// handle is the engine.WorkflowHandle for one running workflow.
type handle struct {
	id     string
	runID  string
	cancel context.CancelFunc

	done chan struct{}
	mu   sync.Mutex
	result any
	err    error

	signalsMu sync.Mutex
	waiting   map[string]chan any
}

func newHandle(id string) *handle {
	return &handle{
		id:      id,
		runID:   id + "-run-1",
		done:    make(chan struct{}),
		waiting: make(map[string]chan any),
	}
}

func (h *handle) complete(result any, err error) {
	h.mu.Lock()
	h.result, h.err = result, err
	h.mu.Unlock()
	close(h.done)
}

// Wait implements engine.WorkflowHandle.
func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return assignResult(result, h.result)
}

// Signal implements engine.WorkflowHandle by delivering payload to whichever
// SignalChannel is currently listening under name, buffering one pending
// value if no receiver has asked yet.
func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	ch := h.channelFor(name)
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel implements engine.WorkflowHandle.
func (h *handle) Cancel(_ context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *handle) channelFor(name string) chan any {
	h.signalsMu.Lock()
	defer h.signalsMu.Unlock()
	ch, ok := h.waiting[name]
	if !ok {
		ch = make(chan any, 1)
		h.waiting[name] = ch
	}
	return ch
}

// workflowContext implements engine.WorkflowContext against the in-memory engine.
type workflowContext struct {
	ctx     context.Context
	id      string
	runID   string
	engine  *Engine
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu      sync.Mutex
	signals map[string]*signalChannel
}

func (w *workflowContext) Context() context.Context   { return w.ctx }
func (w *workflowContext) WorkflowID() string         { return w.id }
func (w *workflowContext) RunID() string              { return w.runID }
func (w *workflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.tracer }
func (w *workflowContext) Now() time.Time             { return time.Now().UTC() }

func (w *workflowContext) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *workflowContext) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	def, ok := w.engine.activity(req.Name)
	if !ok {
		return nil, fmt.Errorf("inmem: activity %q is not registered", req.Name)
	}
	fut := &future{done: make(chan struct{})}
	activityCtx := engine.WithActivityContext(engine.WithWorkflowContext(ctx, w))
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		activityCtx, cancel = context.WithTimeout(activityCtx, req.Timeout)
		go func() { <-fut.done; cancel() }()
	}
	go func() {
		result, err := def.Handler(activityCtx, req.Input)
		fut.mu.Lock()
		fut.result, fut.err = result, err
		fut.mu.Unlock()
		close(fut.done)
	}()
	return fut, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sc, ok := w.signals[name]; ok {
		return sc
	}
	h := w.engine.handles[w.id]
	sc := &signalChannel{ch: h.channelFor(name)}
	w.signals[name] = sc
	return sc
}

type future struct {
	done   chan struct{}
	mu     sync.Mutex
	result any
	err    error
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return assignResult(result, f.result)
}

func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type signalChannel struct {
	ch chan any
}

func (s *signalChannel) Receive(ctx context.Context, dest any) error {
	select {
	case v := <-s.ch:
		return assignResult(dest, v)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		return assignResult(dest, v) == nil
	default:
		return false
	}
}

// assignResult copies src into dest. When dest is a *any it assigns src
// directly; otherwise it falls back to a JSON round-trip,
// mirroring how durable engines marshal activity/workflow payloads across a
// wire boundary.
func assignResult(dest, src any) error {
	if dest == nil || src == nil {
		return nil
	}
	if p, ok := dest.(*any); ok {
		*p = src
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("inmem: marshal result: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("inmem: unmarshal result into destination: %w", err)
	}
	return nil
}
