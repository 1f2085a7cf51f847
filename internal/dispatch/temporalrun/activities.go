package temporalrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/executor"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"

	"go.temporal.io/sdk/activity"
)

// Activities wires the durable executor into a Temporal activity. One
// invocation of Execute runs a single job to its terminal state.
type Activities struct {
	Log  *logger.Logger
	Jobs jobstore.Store
	Exec *executor.Executor
}

// Execute loads the job row and runs it through the executor,
// recording a Temporal heartbeat independent of the executor's own
// database heartbeat so Temporal's own stuck-activity detection stays
// accurate even if the database heartbeat write is slow.
func (a *Activities) Execute(ctx context.Context, jobID string) (ExecuteResult, error) {
	if a == nil || a.Jobs == nil || a.Exec == nil {
		return ExecuteResult{}, fmt.Errorf("temporalrun: activity not configured")
	}

	id, err := uuid.Parse(jobID)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("temporalrun: invalid job_id %q: %w", jobID, err)
	}

	job, err := a.Jobs.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("temporalrun: load job: %w", err)
	}

	stop := a.startHeartbeat(ctx)
	defer stop()

	a.Exec.Execute(ctx, job)

	refreshed, err := a.Jobs.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("temporalrun: reload job: %w", err)
	}
	return ExecuteResult{FinalStatus: string(refreshed.Status)}, nil
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
