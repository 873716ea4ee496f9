package engine

import "context"

// wfCtxKey stashes a WorkflowContext inside the plain Go context handed to
// an activity, so an activity handler that needs to correlate back to its
// owning session (e.g. to log under the same workflow/run id, or to signal
// the coordinator's workflow goroutine directly in the in-memory engine) can
// recover it without the Engine interface growing an extra parameter.
type wfCtxKey struct{}

// activityCtxKey marks a context as having been handed to an ActivityFunc
// rather than a WorkflowFunc. Both adapters set it; IsActivityContext lets
// code tell whether it is running inside an activity body, where
// workflow-only engine operations (ExecuteActivity, SignalChannel) do not
// belong.
type activityCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf. The in-memory
// engine calls this when constructing the context passed to an activity
// handler, so WorkflowContextFromContext can recover it later; the Temporal
// adapter does not, so there WorkflowContextFromContext returns nil.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WithActivityContext returns a child context marked as belonging to an
// activity invocation rather than a workflow invocation.
func WithActivityContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, activityCtxKey{}, true)
}

// IsActivityContext reports whether ctx was produced by WithActivityContext.
func IsActivityContext(ctx context.Context) bool {
	v := ctx.Value(activityCtxKey{})
	b, ok := v.(bool)
	return ok && b
}

// WorkflowContextFromContext recovers the WorkflowContext stashed by
// WithWorkflowContext, or nil if ctx carries none.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if v := ctx.Value(wfCtxKey{}); v != nil {
		if wf, ok := v.(WorkflowContext); ok {
			return wf
		}
	}
	return nil
}
