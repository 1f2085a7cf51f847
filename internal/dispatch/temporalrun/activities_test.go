package temporalrun

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/ghosthands/core/internal/callback"
	"github.com/ghosthands/core/internal/cost"
	"github.com/ghosthands/core/internal/data/repos/usage"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/executor"
	"github.com/ghosthands/core/internal/hitl"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
	"github.com/ghosthands/core/internal/progress"
)

// memStore is a minimal in-memory jobstore.Store fake, one row, enough
// to drive an Executor end to end without a database.
type memStore struct{ job ghostjobs.Job }

func (s *memStore) Insert(dbctx.Context, *ghostjobs.Job) (*ghostjobs.Job, bool, error) {
	return nil, false, nil
}
func (s *memStore) ClaimNext(dbctx.Context, string) (*ghostjobs.Job, error) { return nil, nil }
func (s *memStore) TransitionStatus(_ dbctx.Context, _ uuid.UUID, from, to ghostjobs.Status, _ map[string]interface{}) (bool, error) {
	if s.job.Status != from {
		return false, nil
	}
	s.job.Status = to
	return true, nil
}
func (s *memStore) Heartbeat(dbctx.Context, uuid.UUID, string) error { return nil }
func (s *memStore) RecoverStale(dbctx.Context, time.Time) (int64, error) { return 0, nil }
func (s *memStore) AppendEvent(dbctx.Context, uuid.UUID, string, map[string]any, string) error {
	return nil
}
func (s *memStore) GetByID(dbctx.Context, uuid.UUID) (*ghostjobs.Job, error) {
	cp := s.job
	return &cp, nil
}
func (s *memStore) Cancel(dbctx.Context, uuid.UUID) (*ghostjobs.Job, bool, error) {
	return nil, false, nil
}
func (s *memStore) SubmitResolution(dbctx.Context, uuid.UUID, string, any, string) error { return nil }
func (s *memStore) ReadAndClearResolution(dbctx.Context, uuid.UUID) (*ghostjobs.InteractionState, bool, error) {
	return nil, false, nil
}
func (s *memStore) ReleaseByWorker(dbctx.Context, string) (int64, error) { return 0, nil }

// zeroUsage reports no spend so cost.Control.Preflight always allows.
type zeroUsage struct{}

func (zeroUsage) CurrentPeriodCost(dbctx.Context, uuid.UUID, time.Time) (float64, error) {
	return 0, nil
}
func (zeroUsage) Increment(dbctx.Context, uuid.UUID, string, time.Time, usage.Delta) (float64, error) {
	return 0, nil
}

type noopSessions struct{}

func (noopSessions) Open(context.Context, string, string) (executor.BrowserSession, error) {
	return noopSession{}, nil
}

type noopSession struct{}

func (noopSession) Pause(context.Context) error                          { return nil }
func (noopSession) Resume(context.Context) error                         { return nil }
func (noopSession) Close(context.Context) error                          { return nil }
func (noopSession) FillOneTimeCode(context.Context, string) error        { return nil }
func (noopSession) FillCredentials(context.Context, string, string) error { return nil }

// succeedingHandler completes immediately without touching the adapter.
type succeedingHandler struct{}

func (succeedingHandler) Type() string { return "scrape" }
func (succeedingHandler) Execute(ctx context.Context, job *ghostjobs.Job, tracker *cost.Tracker, pt *progress.Tracker, adapter executor.Adapter) error {
	return nil
}

func newTestExecutor(store *memStore, workerID string) *executor.Executor {
	reg := executor.NewRegistry()
	_ = reg.Register(succeedingHandler{})
	return executor.New(executor.Deps{
		Jobs:        store,
		CostControl: cost.NewControl(zeroUsage{}, store),
		Notifier:    callback.NewNotifier(logger.NewNop()),
		Sessions:    noopSessions{},
		Registry:    reg,
		HITL:        hitl.New(store, callback.NewNotifier(logger.NewNop()), logger.NewNop()),
		Log:         logger.NewNop(),
		WorkerID:    workerID,
	})
}

func TestActivities_ExecuteRunsJobToCompletion(t *testing.T) {
	jobID := uuid.New()
	store := &memStore{job: ghostjobs.Job{
		ID:             jobID,
		UserID:         uuid.New(),
		JobType:        "scrape",
		Status:         ghostjobs.StatusQueued,
		TimeoutSeconds: 30,
	}}

	acts := &Activities{
		Log:  logger.NewNop(),
		Jobs: store,
		Exec: newTestExecutor(store, "worker-1"),
	}

	var env testsuite.TestActivityEnvironment
	val, err := env.ExecuteActivity(acts.Execute, jobID.String())
	require.NoError(t, err)

	var result ExecuteResult
	require.NoError(t, val.Get(&result))
	require.Equal(t, string(ghostjobs.StatusCompleted), result.FinalStatus)
}

func TestActivities_ExecuteRejectsUnconfiguredActivities(t *testing.T) {
	acts := &Activities{}
	var env testsuite.TestActivityEnvironment
	_, err := env.ExecuteActivity(acts.Execute, uuid.New().String())
	require.Error(t, err)
}

func TestActivities_ExecuteRejectsInvalidJobID(t *testing.T) {
	store := &memStore{}
	acts := &Activities{Log: logger.NewNop(), Jobs: store, Exec: newTestExecutor(store, "worker-1")}
	var env testsuite.TestActivityEnvironment
	_, err := env.ExecuteActivity(acts.Execute, "not-a-uuid")
	require.Error(t, err)
}
