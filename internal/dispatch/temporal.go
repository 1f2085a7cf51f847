package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/dispatch/temporalrun"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/executor"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

// TemporalDispatcher is the workflow-backed pickup strategy: job
// creation starts one workflow execution per job (see StartWorkflow,
// called through TemporalAnnouncer for every job ingress inserts), and
// each worker process runs a Temporal worker.Worker polling the same
// task queue rather than racing ClaimNext directly. Durability of
// retries, timeouts, and crash-recovery is delegated to Temporal
// itself; the worker runtime's own RecoverStale sweep still runs in
// this mode as well, as a belt and suspenders.
type TemporalDispatcher struct {
	client    temporalsdkclient.Client
	taskQueue string
	jobs      jobstore.Store
	exec      *executor.Executor
	log       *logger.Logger
}

func NewTemporalDispatcher(client temporalsdkclient.Client, taskQueue string, jobs jobstore.Store, exec *executor.Executor, log *logger.Logger) *TemporalDispatcher {
	if taskQueue == "" {
		taskQueue = "ghosthands-jobs"
	}
	return &TemporalDispatcher{
		client:    client,
		taskQueue: taskQueue,
		jobs:      jobs,
		exec:      exec,
		log:       log.With("component", "TemporalDispatcher", "task_queue", taskQueue),
	}
}

// StartWorkflow kicks off one workflow execution for job, keyed by the
// job ID so a duplicate StartWorkflow call (e.g. a retried ingress
// request) is rejected by Temporal as already-started rather than
// double-running the job.
func (d *TemporalDispatcher) StartWorkflow(ctx context.Context, job *ghostjobs.Job) error {
	if d.client == nil {
		return fmt.Errorf("temporal dispatcher: client not configured")
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        "ghosthands-job-" + job.ID.String(),
		TaskQueue: d.taskQueue,
	}
	_, err := d.client.ExecuteWorkflow(ctx, opts, temporalrun.Workflow, job.ID.String())
	if err != nil {
		return fmt.Errorf("start workflow for job %s: %w", job.ID, err)
	}
	return nil
}

// CancelWorkflow sends SignalCancel to the job's workflow execution.
// The workflow discards the signal and keeps waiting for its activity;
// the activity returns once the executor's heartbeat observes the
// job's cancelled status.
func (d *TemporalDispatcher) CancelWorkflow(ctx context.Context, jobID string) error {
	if d.client == nil {
		return nil
	}
	return d.client.SignalWorkflow(ctx, "ghosthands-job-"+jobID, "", temporalrun.SignalCancel, nil)
}

// Run starts a Temporal worker polling taskQueue and blocks until ctx
// is cancelled, mirroring the teacher's Runner.Start shutdown wiring:
// Stop() is invoked from a goroutine watching ctx.Done() rather than
// blocking the worker's own Start() call.
func (d *TemporalDispatcher) Run(ctx context.Context) error {
	if d.client == nil {
		return fmt.Errorf("temporal dispatcher: client not configured")
	}

	w := worker.New(d.client, d.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 1,
	})

	acts := &temporalrun.Activities{
		Log:  d.log,
		Jobs: d.jobs,
		Exec: d.exec,
	}
	w.RegisterWorkflowWithOptions(temporalrun.Workflow, workflowRegisterOptions())
	w.RegisterActivityWithOptions(acts.Execute, activityRegisterOptions())

	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	d.log.Info("temporal worker started")

	<-ctx.Done()
	w.Stop()
	d.log.Info("temporal worker stopped")
	return nil
}

func workflowRegisterOptions() workflow.RegisterOptions {
	return workflow.RegisterOptions{Name: temporalrun.WorkflowName}
}

func activityRegisterOptions() activity.RegisterOptions {
	return activity.RegisterOptions{Name: temporalrun.ActivityExecuteName}
}

// RecoverStaleLoop is the DB-row safety net for workflow-dispatched
// jobs: if a worker process dies mid-activity, Temporal itself retries
// the activity on another worker, but a job stuck at status=running
// past its heartbeat is still swept back to pending by the shared
// recovery path so it isn't silently lost if Temporal is unreachable.
func RecoverStaleLoop(ctx context.Context, store jobstore.Store, staleAfter time.Duration, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.RecoverStale(dbctx.Context{Ctx: ctx}, time.Now().Add(-staleAfter))
			if err != nil {
				log.Warn("recover stale sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("recovered stale jobs", "count", n)
			}
		}
	}
}
