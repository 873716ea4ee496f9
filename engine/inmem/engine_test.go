package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelevm/stele/engine"
	"github.com/stelevm/stele/engine/inmem"
)

func TestStartWorkflowExecutesActivityAndReturnsResult(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			n := input.(float64)
			return n * 2, nil
		},
	}))

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wf engine.WorkflowContext, input any) (any, error) {
			var result float64
			err := wf.ExecuteActivity(wf.Context(), engine.ActivityRequest{Name: "double", Input: input}, &result)
			return result, err
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf-1", Workflow: "doubler", Input: float64(21)})
	require.NoError(t, err)

	var result float64
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, float64(42), result)
}

func TestWorkflowSignalDelivery(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wf engine.WorkflowContext, input any) (any, error) {
			var msg string
			if err := wf.SignalChannel("go").Receive(wf.Context(), &msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf-2", Workflow: "waiter"})
	require.NoError(t, err)

	// give the workflow goroutine a moment to reach the signal receive
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, handle.Signal(ctx, "go", "hello"))

	var result string
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, "hello", result)
}

func TestStartWorkflowUnregisteredNameErrors(t *testing.T) {
	e := inmem.New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "x", Workflow: "missing"})
	assert.Error(t, err)
}

func TestCancelWorkflow(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "blocker",
		Handler: func(wf engine.WorkflowContext, input any) (any, error) {
			<-wf.Context().Done()
			return nil, wf.Context().Err()
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf-3", Workflow: "blocker"})
	require.NoError(t, err)

	require.NoError(t, handle.Cancel(ctx))

	err = handle.Wait(ctx, nil)
	assert.Error(t, err)
}
