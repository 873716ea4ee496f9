// Package engine defines the durable-execution abstraction the
// Orchestration Coordinator (C4) drives a Contract's block graph through.
// A Coordinator registers one workflow (the block-walk loop) and one
// activity (a single step of that walk) against an Engine, then starts a
// workflow per session. Swapping the engine/inmem adapter for engine/temporal
// upgrades a Coordinator from best-effort, single-process execution to
// crash-resilient, horizontally-scaled execution without touching
// Coordinator's Execute/Resume/Cancel contract or the contract package at
// all: everything engine-specific lives behind this interface.
package engine

import (
	"context"
	"time"

	"github.com/stelevm/stele/telemetry"
)

type (
	// Engine abstracts workflow/activity registration and execution behind
	// a backend-agnostic surface so a Coordinator can target Temporal, the
	// in-memory adapter, or a future custom backend unmodified.
	Engine interface {
		// RegisterWorkflow registers the block-walk workflow definition.
		// Called once during Coordinator construction, before any session is
		// started. Returns an error if def.Name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers the single-step activity definition.
		// Called once during Coordinator construction. Returns an error if
		// def.Name is already registered.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches one workflow execution for req.ID (a
		// session id) and returns a handle for waiting on, signaling, or
		// cancelling it. Returns an error if req.Workflow is not registered
		// or req.ID collides with a workflow already running.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to the logical name and
	// default task queue the Coordinator registers it under.
	WorkflowDefinition struct {
		// Name is the logical workflow identifier (e.g.
		// "stele.coordinator.drive").
		Name string
		// TaskQueue is the queue new workflow starts are scheduled on.
		TaskQueue string
		// Handler is invoked by the engine when a workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the block-walk entry point: given a WorkflowContext and
	// the session's drive request, it executes the walk (by delegating to an
	// activity) and returns the walk's outcome or an error. It must be
	// deterministic under replay: the only side effects it may perform
	// directly are calls on WorkflowContext itself; anything that touches
	// the VM, the LLM router, or storage belongs in the activity.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow. It
	// wraps the backend's native context (Temporal's workflow.Context, the
	// in-memory adapter's own context type) behind one API for scheduling
	// activities, waiting on signals, and emitting telemetry.
	//
	// Determinism: implementations must guarantee that ExecuteActivity and
	// SignalChannel produce the same sequence of results on replay. A
	// WorkflowFunc must never read the wall clock, generate randomness, or
	// perform I/O directly; it must go through WorkflowContext or an
	// activity.
	//
	// Lifetime and concurrency: a WorkflowContext is created by the engine
	// when StartWorkflow launches a workflow and is valid only for that one
	// execution; it is never shared across goroutines and must not be
	// retained past the WorkflowFunc's return.
	WorkflowContext interface {
		// Context returns the underlying Go context for this workflow
		// execution, suitable for passing to ExecuteActivity.
		Context() context.Context

		// WorkflowID returns the session id this workflow was started for.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier for this
		// execution, used to correlate logs and traces across retries.
		RunID() string

		// ExecuteActivity schedules the named activity and blocks until it
		// completes, decoding its result into result. Returns an error if
		// the activity is not registered or fails after its retry policy is
		// exhausted.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules the named activity without
		// blocking, returning a Future the caller resolves later. Returns
		// an error only if scheduling itself fails; activity-level failures
		// surface from Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel the Coordinator's Resume path
		// delivers a suspended AgentInteraction's resume value on, keyed by
		// name (typically the interaction id).
		SignalChannel(name string) SignalChannel

		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger

		// Metrics returns a metrics recorder scoped to this workflow
		// execution.
		Metrics() telemetry.Metrics

		// Tracer returns a tracer for spans within this workflow execution.
		Tracer() telemetry.Tracer

		// Now returns the current time through a replay-safe source:
		// Temporal's workflow.Now under the Temporal adapter; the in-memory
		// adapter, which never replays, returns the system clock in UTC.
		Now() time.Time
	}

	// Future is a pending activity result obtained from
	// ExecuteActivityAsync. Get may be called more than once and returns the
	// same result/error each time.
	Future interface {
		// Get blocks until the activity completes and decodes its result
		// into result. Returns the activity's error, if any.
		Get(ctx context.Context, result any) error

		// IsReady reports whether Get would return without blocking.
		IsReady() bool
	}

	// ActivityDefinition registers the single-step activity handler the
	// block-walk workflow delegates every step to.
	ActivityDefinition struct {
		// Name is the logical activity identifier (e.g.
		// "stele.coordinator.step").
		Name string
		// Handler executes one step: advance the contract through the next
		// block, touch the VM/session store/LLM router as needed.
		Handler ActivityFunc
		// Options records retry/timeout defaults for this activity. Neither
		// the in-memory nor the Temporal adapter reads it; both take queue,
		// retry and timeout settings from each ActivityRequest alone.
		Options ActivityOptions
	}

	// ActivityFunc performs one unit of work with side effects allowed:
	// unlike a WorkflowFunc it may call the VM, the session store, or any
	// other external collaborator.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeout behavior. A zero value
	// defers entirely to the engine's own defaults.
	ActivityOptions struct {
		// Queue overrides the default activity queue; empty inherits the
		// owning workflow's task queue.
		Queue string
		// RetryPolicy controls how the engine retries a failed attempt.
		RetryPolicy RetryPolicy
		// Timeout bounds total execution time including retries. Zero means
		// no timeout.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes one workflow launch, built by the
	// Coordinator whenever Execute begins a new session.
	WorkflowStartRequest struct {
		// ID is the session id; must be unique within the engine instance.
		ID string
		// Workflow names the registered WorkflowDefinition to run.
		Workflow string
		// TaskQueue selects which queue the workflow is scheduled on.
		TaskQueue string
		// Input is the driveRequest payload handed to the WorkflowFunc.
		Input any
		// Memo stores small diagnostic values (contract id, resource
		// handle) alongside the execution for backends that support it.
		Memo map[string]any
		// SearchAttributes carries indexed metadata for visibility queries;
		// nil means none.
		SearchAttributes map[string]any
		// RetryPolicy controls retries of the workflow start attempt itself,
		// not of the workflow's activities.
		RetryPolicy RetryPolicy
	}

	// ActivityRequest carries what's needed to schedule one activity
	// invocation from a workflow.
	ActivityRequest struct {
		// Name must match a registered ActivityDefinition.
		Name string
		// Input is the payload passed to the activity handler.
		Input any
		// Queue optionally overrides the queue for this one invocation.
		Queue string
		// RetryPolicy controls retries of this invocation; the in-memory
		// adapter does not retry.
		RetryPolicy RetryPolicy
		// Timeout bounds this invocation. Zero means no timeout on the
		// in-memory adapter; the Temporal adapter substitutes a 30-second
		// start-to-close timeout.
		Timeout time.Duration
	}

	// WorkflowHandle lets a Coordinator interact with a running workflow
	// after StartWorkflow returns.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, decoding its result
		// into result.
		Wait(ctx context.Context, result any) error

		// Signal delivers payload to the workflow's SignalChannel
		// registered under name, used to resume a suspended
		// AgentInteraction.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow and any in-flight
		// activity.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy is shared retry configuration for workflow starts and
	// activities. A zero value means "use the engine's defaults".
	RetryPolicy struct {
		// MaxAttempts caps retry attempts; zero means unlimited.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry; values
		// below 1 are treated as 1 (constant backoff).
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery independent of the backing
	// engine (a Temporal signal channel, or an in-process Go channel).
	SignalChannel interface {
		// Receive blocks until a signal arrives and decodes it into dest.
		// Backends that cannot honor ctx cancellation during a blocking
		// receive fall back to the workflow's own cancellation.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, reporting whether a
		// value was written into dest.
		ReceiveAsync(dest any) bool
	}
)
