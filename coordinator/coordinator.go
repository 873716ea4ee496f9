// Package coordinator implements the top-level Orchestration Coordinator
// (C4): it owns sessions, drives a Contract's blocks through contract.Run,
// persists progress via session.Store, and mediates suspension/resumption of
// AgentInteraction blocks without ever blocking a goroutine on external
// input. The actual block walk runs as an activity behind a pluggable
// engine.Engine, so swapping engine/inmem for engine/temporal upgrades the
// Coordinator's execution from best-effort to crash-resilient without any
// change to the Execute/Resume/Cancel contract.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stelevm/stele/contract"
	"github.com/stelevm/stele/engine"
	"github.com/stelevm/stele/engine/inmem"
	"github.com/stelevm/stele/session"
	sessioninmem "github.com/stelevm/stele/session/inmem"
	"github.com/stelevm/stele/telemetry"
	"github.com/stelevm/stele/vm"
)

const (
	workflowName     = "stele.coordinator.drive"
	activityName     = "stele.coordinator.step"
	defaultTaskQueue = "stele-coordinator"
	defaultGasLimit  = 1_000_000
)

// StatusKind tags the outcome a caller receives from Execute/Resume.
type StatusKind string

const (
	StatusCompleted     StatusKind = "completed"
	StatusAwaitingInput StatusKind = "awaiting_input"
	StatusFailed        StatusKind = "failed"
)

// FinalStatus is the outcome of an execute/resume call: exactly one of
// Result, the Awaiting fields, or FailureReason is populated, selected by
// Kind.
type FinalStatus struct {
	Kind          StatusKind
	SessionID     string
	Result        map[string]any
	InteractionID string
	AgentID       string
	Prompt        string
	FailureReason string
}

// ResourceAllocator allocates and releases the per-session resource handle
// recorded on session.Session.ResourceHandle. The default allocator is a
// no-op that treats the session id as its own handle.
type ResourceAllocator interface {
	Allocate(ctx context.Context, sessionID string) (handle string, err error)
	Release(ctx context.Context, handle string) error
}

type noopAllocator struct{}

func (noopAllocator) Allocate(_ context.Context, sessionID string) (string, error) { return sessionID, nil }
func (noopAllocator) Release(context.Context, string) error                        { return nil }

// noAgentHandler is the default AgentHandler: it errors on any
// AgentInteraction block, since resolving those requires an agent runtime
// the Coordinator does not itself provide.
func noAgentHandler(_ context.Context, req contract.AgentInteractionRequest) (contract.AgentInteractionOutcome, error) {
	return contract.AgentInteractionOutcome{}, fmt.Errorf("coordinator: no agent handler configured for block %q", req.BlockID)
}

// Coordinator drives Contract executions to completion or suspension,
// persisting session state and delegating the block walk itself to an
// engine.Engine-backed activity.
type Coordinator struct {
	store     session.Store
	eng       engine.Engine
	resources ResourceAllocator
	registry  *vm.Registry
	handler   contract.AgentHandler
	gasLimit  int64
	taskQueue string
	idGen     func() string
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer

	registerOnce sync.Once
	registerErr  error

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	contracts map[string]*contract.Contract
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithStore overrides the default in-memory session.Store.
func WithStore(s session.Store) Option { return func(c *Coordinator) { c.store = s } }

// WithEngine overrides the default in-memory engine.Engine, e.g. with
// engine/temporal for durable execution.
func WithEngine(e engine.Engine) Option { return func(c *Coordinator) { c.eng = e } }

// WithResourceAllocator overrides the default no-op ResourceAllocator.
func WithResourceAllocator(r ResourceAllocator) Option {
	return func(c *Coordinator) { c.resources = r }
}

// WithRegistry supplies the FFI registry Evaluate blocks dispatch through.
func WithRegistry(r *vm.Registry) Option { return func(c *Coordinator) { c.registry = r } }

// WithAgentHandler supplies the handler AgentInteraction blocks invoke.
func WithAgentHandler(h contract.AgentHandler) Option { return func(c *Coordinator) { c.handler = h } }

// WithGasLimit overrides the default gas budget applied when Execute does
// not specify one explicitly.
func WithGasLimit(n int64) Option { return func(c *Coordinator) { c.gasLimit = n } }

// WithTaskQueue overrides the default engine task queue.
func WithTaskQueue(q string) Option { return func(c *Coordinator) { c.taskQueue = q } }

// WithLogger, WithMetrics, WithTracer override the no-op telemetry defaults.
func WithLogger(l telemetry.Logger) Option   { return func(c *Coordinator) { c.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(c *Coordinator) { c.tracer = t } }

// WithIDGenerator overrides the default uuid.NewString session id generator;
// primarily useful in tests that need deterministic session ids.
func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.idGen = f } }

// New builds a Coordinator. With no options it runs fully in-process: an
// in-memory session.Store, an in-memory engine.Engine, a no-op
// ResourceAllocator, and an AgentHandler that rejects any AgentInteraction.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     sessioninmem.New(),
		eng:       inmem.New(),
		resources: noopAllocator{},
		registry:  vm.NewRegistry(),
		handler:   noAgentHandler,
		gasLimit:  defaultGasLimit,
		taskQueue: defaultTaskQueue,
		idGen:     uuid.NewString,
		logger:    telemetry.NoopLogger{},
		metrics:   telemetry.NoopMetrics{},
		tracer:    telemetry.NoopTracer{},
		cancels:   make(map[string]context.CancelFunc),
		contracts: make(map[string]*contract.Contract),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeOpts)

type executeOpts struct {
	gasLimit int64
}

// WithGas overrides the Coordinator's default gas budget for this execution.
func WithGas(limit int64) ExecuteOption {
	return func(o *executeOpts) { o.gasLimit = limit }
}

// driveRequest is the wire-safe payload passed from the workflow handler to
// the step activity. It carries only JSON-serializable data: the contract
// definition itself, the execution context, and the resume payload if any.
// The FFI registry and agent handler are bound via closure over the
// Coordinator at activity registration time, not threaded through here,
// since neither is representable as data.
type driveRequest struct {
	Context             map[string]any
	CurrentBlockID      string
	GasBudget           int64
	Contract            *contract.Contract
	ResumeInteractionID string
	ResumeValue         json.RawMessage
}

type driveResult struct {
	Completed      bool
	Awaiting       *session.AwaitingInput
	NextBlockID    string
	GasConsumed    int64
	Context        map[string]any
	HistoryAppends []session.HistoryEvent
	FailureKind    string
	FailureReason  string
}

func (co *Coordinator) ensureRegistered(ctx context.Context) error {
	co.registerOnce.Do(func() {
		co.registerErr = co.eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
			Name:      workflowName,
			TaskQueue: co.taskQueue,
			Handler:   co.workflowHandler,
		})
		if co.registerErr != nil {
			return
		}
		co.registerErr = co.eng.RegisterActivity(ctx, engine.ActivityDefinition{
			Name:    activityName,
			Handler: co.stepActivity,
		})
	})
	return co.registerErr
}

func (co *Coordinator) workflowHandler(wctx engine.WorkflowContext, input any) (any, error) {
	req, ok := input.(driveRequest)
	if !ok {
		return nil, fmt.Errorf("coordinator: unexpected workflow input %T", input)
	}
	var out driveResult
	if err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: activityName, Input: req}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (co *Coordinator) stepActivity(ctx context.Context, input any) (any, error) {
	req, ok := input.(driveRequest)
	if !ok {
		return nil, fmt.Errorf("coordinator: unexpected activity input %T", input)
	}
	execCtx := session.NewContext(req.Context)

	handler := co.handler
	if req.ResumeInteractionID != "" {
		var resumeValue vm.Value
		if len(req.ResumeValue) > 0 {
			if err := json.Unmarshal(req.ResumeValue, &resumeValue); err != nil {
				return nil, fmt.Errorf("coordinator: decode resume value: %w", err)
			}
		}
		handler = resumeOnce(req.CurrentBlockID, req.ResumeInteractionID, resumeValue, co.handler)
	}

	out, ferr := contract.Run(ctx, req.Contract, execCtx, req.CurrentBlockID, req.GasBudget, co.registry, handler)
	res := driveResult{
		Completed:      out.Completed,
		Awaiting:       out.Awaiting,
		NextBlockID:    out.NextBlockID,
		GasConsumed:    out.GasConsumed,
		Context:        execCtx.Raw(),
		HistoryAppends: out.HistoryAppends,
	}
	if ferr != nil {
		res.FailureKind = string(ferr.Kind)
		res.FailureReason = ferr.Error()
	}
	return res, nil
}

// resumeOnce wraps inner so the first call matching blockID answers
// synchronously with value instead of re-invoking inner for that one
// interaction; every other call (a different block, or the same block a
// second time) falls through to inner unchanged.
func resumeOnce(blockID, interactionID string, value vm.Value, inner contract.AgentHandler) contract.AgentHandler {
	var used bool
	return func(ctx context.Context, req contract.AgentInteractionRequest) (contract.AgentInteractionOutcome, error) {
		if !used && req.BlockID == blockID {
			used = true
			return contract.AgentInteractionOutcome{Value: value, InteractionID: interactionID}, nil
		}
		if inner == nil {
			return contract.AgentInteractionOutcome{}, fmt.Errorf("coordinator: no agent handler configured for block %q", req.BlockID)
		}
		return inner(ctx, req)
	}
}

// Execute drives flow from its start block, synchronously, to its first
// Terminate, AgentInteraction suspension, or fatal error.
func (co *Coordinator) Execute(ctx context.Context, flow *contract.Contract, opts ...ExecuteOption) (FinalStatus, error) {
	if err := co.ensureRegistered(ctx); err != nil {
		return FinalStatus{}, fmt.Errorf("coordinator: register engine: %w", err)
	}
	o := executeOpts{gasLimit: co.gasLimit}
	for _, opt := range opts {
		opt(&o)
	}

	sessionID := co.idGen()
	handle, err := co.resources.Allocate(ctx, sessionID)
	if err != nil {
		return FinalStatus{}, fmt.Errorf("coordinator: allocate resources: %w", err)
	}

	initial := initialState(flow)
	now := time.Now().UTC()
	sess := &session.Session{
		ID:             sessionID,
		ContractID:     flow.Version,
		ResourceHandle: handle,
		Context:        session.NewContext(initial),
		GasLimit:       o.gasLimit,
		Status:         session.StatusRunning,
		CurrentBlockID: flow.StartBlockID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := co.store.Save(ctx, sess); err != nil {
		return FinalStatus{}, fmt.Errorf("coordinator: save session: %w", err)
	}

	co.mu.Lock()
	co.contracts[sessionID] = flow
	co.mu.Unlock()

	return co.drive(ctx, flow, sess, "", vm.Null)
}

// initialState evaluates flow's initial_state node when it is a literal map;
// any other shape yields an empty context, which a subsequent Evaluate block
// can still populate.
func initialState(flow *contract.Contract) map[string]any {
	if flow.InitialState.Op != contract.OpLiteral {
		return map[string]any{}
	}
	if m, ok := flow.InitialState.Value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Resume continues a session suspended on an AgentInteraction, supplying
// input as the interaction's result. It requires Status==AwaitingInput.
func (co *Coordinator) Resume(ctx context.Context, sessionID string, input vm.Value) (FinalStatus, error) {
	if err := co.ensureRegistered(ctx); err != nil {
		return FinalStatus{}, fmt.Errorf("coordinator: register engine: %w", err)
	}
	sess, err := co.store.Load(ctx, sessionID)
	if err != nil {
		return FinalStatus{}, err
	}
	if sess.Status != session.StatusAwaitingInput {
		return FinalStatus{}, session.ErrSessionNotAwaitingInput
	}

	co.mu.Lock()
	flow, ok := co.contracts[sessionID]
	co.mu.Unlock()
	if !ok {
		return FinalStatus{}, fmt.Errorf("coordinator: no contract registered for session %q (resume requires the Coordinator that called Execute to still be live, or a caller-supplied contract cache)", sessionID)
	}

	interactionID := ""
	if sess.Awaiting != nil {
		interactionID = sess.Awaiting.InteractionID
	}
	sess.Status = session.StatusRunning
	return co.drive(ctx, flow, sess, interactionID, input)
}

// Cancel transitions sessionID to Failed{"cancelled"} and releases its
// resources. Cancellation is cooperative: an in-flight Execute/Resume for
// this session observes the cancellation at the next block boundary inside
// contract.Run rather than being preempted mid-block.
func (co *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	co.mu.Lock()
	cancel, running := co.cancels[sessionID]
	co.mu.Unlock()
	if running {
		cancel()
	}

	sess, err := co.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusCompleted || sess.Status == session.StatusFailed {
		return nil
	}

	sess.Status = session.StatusFailed
	sess.Failure = &session.Failure{Reason: "cancelled"}
	sess.Awaiting = nil
	sess.CurrentBlockID = ""
	sess.UpdatedAt = time.Now().UTC()
	if err := co.store.Save(ctx, sess); err != nil {
		return err
	}

	co.mu.Lock()
	delete(co.contracts, sessionID)
	co.mu.Unlock()

	return co.resources.Release(ctx, sess.ResourceHandle)
}

// drive starts (or restarts) the engine workflow that walks flow's blocks on
// sess's behalf, applies the result to sess, persists it, and returns the
// FinalStatus the caller sees. resumeInteractionID is empty for a fresh
// Execute and set to the awaited interaction id for a Resume.
func (co *Coordinator) drive(ctx context.Context, flow *contract.Contract, sess *session.Session, resumeInteractionID string, resumeValue vm.Value) (FinalStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)
	co.mu.Lock()
	co.cancels[sess.ID] = cancel
	co.mu.Unlock()
	defer func() {
		co.mu.Lock()
		delete(co.cancels, sess.ID)
		co.mu.Unlock()
		cancel()
	}()

	var resumeValueJSON json.RawMessage
	if resumeInteractionID != "" {
		data, err := json.Marshal(resumeValue)
		if err != nil {
			return co.fail(ctx, sess, fmt.Errorf("coordinator: encode resume value: %w", err))
		}
		resumeValueJSON = data
	}

	req := driveRequest{
		Context:             sess.Context.Raw(),
		CurrentBlockID:      sess.CurrentBlockID,
		GasBudget:           sess.RemainingGas(),
		Contract:            flow,
		ResumeInteractionID: resumeInteractionID,
		ResumeValue:         resumeValueJSON,
	}

	handle, err := co.eng.StartWorkflow(runCtx, engine.WorkflowStartRequest{
		ID:        sess.ID + "/" + co.idGen(),
		Workflow:  workflowName,
		TaskQueue: co.taskQueue,
		Input:     req,
	})
	if err != nil {
		return co.fail(ctx, sess, fmt.Errorf("coordinator: start workflow: %w", err))
	}

	var result driveResult
	if err := handle.Wait(runCtx, &result); err != nil {
		if errors.Is(runCtx.Err(), context.Canceled) {
			return co.fail(ctx, sess, errors.New("cancelled"))
		}
		return co.fail(ctx, sess, err)
	}

	sess.Context = session.NewContext(result.Context)
	sess.GasConsumed += result.GasConsumed
	sess.History = append(sess.History, result.HistoryAppends...)
	sess.UpdatedAt = time.Now().UTC()

	switch {
	case result.FailureKind != "":
		sess.Status = session.StatusFailed
		sess.Failure = &session.Failure{Reason: result.FailureReason}
		sess.Awaiting = nil
		sess.CurrentBlockID = ""
		if err := co.store.Save(ctx, sess); err != nil {
			return FinalStatus{}, err
		}
		co.releaseQuietly(ctx, sess)
		return FinalStatus{Kind: StatusFailed, SessionID: sess.ID, FailureReason: result.FailureReason}, nil

	case result.Completed:
		sess.Status = session.StatusCompleted
		sess.Awaiting = nil
		sess.CurrentBlockID = ""
		if err := co.store.Save(ctx, sess); err != nil {
			return FinalStatus{}, err
		}
		co.releaseQuietly(ctx, sess)
		return FinalStatus{Kind: StatusCompleted, SessionID: sess.ID, Result: sess.Context.Raw()}, nil

	case result.Awaiting != nil:
		sess.Status = session.StatusAwaitingInput
		sess.Awaiting = result.Awaiting
		sess.CurrentBlockID = result.NextBlockID
		if err := co.store.Save(ctx, sess); err != nil {
			return FinalStatus{}, err
		}
		return FinalStatus{
			Kind:          StatusAwaitingInput,
			SessionID:     sess.ID,
			InteractionID: result.Awaiting.InteractionID,
			AgentID:       result.Awaiting.AgentID,
			Prompt:        result.Awaiting.Prompt,
		}, nil

	default:
		return FinalStatus{}, fmt.Errorf("coordinator: workflow result carries neither completion, suspension, nor failure")
	}
}

func (co *Coordinator) fail(ctx context.Context, sess *session.Session, cause error) (FinalStatus, error) {
	sess.Status = session.StatusFailed
	sess.Failure = &session.Failure{Reason: cause.Error()}
	sess.Awaiting = nil
	sess.CurrentBlockID = ""
	sess.UpdatedAt = time.Now().UTC()
	if err := co.store.Save(ctx, sess); err != nil {
		co.logger.Error(ctx, "coordinator: save failed session", "session_id", sess.ID, "error", err)
	}
	co.releaseQuietly(ctx, sess)
	return FinalStatus{Kind: StatusFailed, SessionID: sess.ID, FailureReason: cause.Error()}, cause
}

func (co *Coordinator) releaseQuietly(ctx context.Context, sess *session.Session) {
	if err := co.resources.Release(ctx, sess.ResourceHandle); err != nil {
		co.logger.Warn(ctx, "coordinator: release resources", "session_id", sess.ID, "error", err)
	}
}
