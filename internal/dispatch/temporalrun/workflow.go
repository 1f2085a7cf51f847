// Package temporalrun defines the Temporal workflow/activity pair
// backing the TemporalDispatcher pickup strategy: one workflow
// execution per job, one long-running activity that runs the job to
// completion (including any HITL pause, handled inside the activity
// itself rather than as separate workflow signals).
package temporalrun

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

// WorkflowName and ActivityExecuteName are the Temporal task names
// registered by the worker and referenced by the client when starting
// a new workflow execution.
const (
	WorkflowName        = "ghosthands.RunJob"
	ActivityExecuteName = "ghosthands.ExecuteJob"
)

// SignalCancel is the signal TemporalDispatcher.CancelWorkflow sends.
// Workflow receives and discards it: the workflow still returns only
// when the activity does, and the activity ends through the normal
// CancelJob database path.
const SignalCancel = "ghosthands.cancel"

// ExecuteResult is returned by the Execute activity.
type ExecuteResult struct {
	FinalStatus string
}

// Workflow runs exactly one job to completion. Timeout enforcement
// happens inside the activity (the executor already derives its own
// context deadline from job.TimeoutSeconds); the workflow-level
// StartToCloseTimeout is a generous outer bound covering HITL pauses,
// which can legitimately hold the activity open for hours.
func Workflow(ctx workflow.Context, jobID string) (ExecuteResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	selector := workflow.NewSelector(ctx)

	var result ExecuteResult
	future := workflow.ExecuteActivity(ctx, ActivityExecuteName, jobID)

	var activityErr error
	done := false
	selector.AddFuture(future, func(f workflow.Future) {
		activityErr = f.Get(ctx, &result)
		done = true
	})
	selector.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
		// Cancellation is expected to be handled by the activity
		// observing job.Status flipping to cancelled on its own
		// heartbeat/poll path; the workflow just stops waiting here
		// once the activity itself returns.
	})

	for !done {
		selector.Select(ctx)
	}
	return result, activityErr
}
