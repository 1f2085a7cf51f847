package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ghosthands/core/internal/callback"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/ghosterrors"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
	"github.com/ghosthands/core/internal/ratelimit"
)

type fakeStore struct {
	byIdempotency map[string]*ghostjobs.Job
	inserted      []*ghostjobs.Job
	jobs          map[uuid.UUID]*ghostjobs.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{byIdempotency: map[string]*ghostjobs.Job{}, jobs: map[uuid.UUID]*ghostjobs.Job{}}
}

func (f *fakeStore) Insert(_ dbctx.Context, job *ghostjobs.Job) (*ghostjobs.Job, bool, error) {
	if job.IdempotencyKey != nil {
		if existing, ok := f.byIdempotency[*job.IdempotencyKey]; ok {
			return existing, true, nil
		}
	}
	job.ID = uuid.New()
	job.Status = ghostjobs.StatusPending
	f.jobs[job.ID] = job
	f.inserted = append(f.inserted, job)
	if job.IdempotencyKey != nil {
		f.byIdempotency[*job.IdempotencyKey] = job
	}
	return job, false, nil
}

func (f *fakeStore) ClaimNext(dbctx.Context, string) (*ghostjobs.Job, error) { return nil, nil }
func (f *fakeStore) TransitionStatus(dbctx.Context, uuid.UUID, ghostjobs.Status, ghostjobs.Status, map[string]interface{}) (bool, error) {
	return true, nil
}
func (f *fakeStore) Heartbeat(dbctx.Context, uuid.UUID, string) error     { return nil }
func (f *fakeStore) RecoverStale(dbctx.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) AppendEvent(dbctx.Context, uuid.UUID, string, map[string]any, string) error {
	return nil
}
func (f *fakeStore) GetByID(_ dbctx.Context, id uuid.UUID) (*ghostjobs.Job, error) {
	return f.jobs[id], nil
}
func (f *fakeStore) Cancel(_ dbctx.Context, id uuid.UUID) (*ghostjobs.Job, bool, error) {
	job, ok := f.jobs[id]
	if !ok || job.Status.Terminal() {
		return job, false, nil
	}
	job.Status = ghostjobs.StatusCancelled
	return job, true, nil
}
func (f *fakeStore) SubmitResolution(dbctx.Context, uuid.UUID, string, any, string) error { return nil }
func (f *fakeStore) ReadAndClearResolution(dbctx.Context, uuid.UUID) (*ghostjobs.InteractionState, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) ReleaseByWorker(dbctx.Context, string) (int64, error) { return 0, nil }

type fakeAnnouncer struct{ announced []uuid.UUID }

func (a *fakeAnnouncer) Announce(_ context.Context, job *ghostjobs.Job) error {
	a.announced = append(a.announced, job.ID)
	return nil
}

func TestCreateJob_AnnouncesNewJob(t *testing.T) {
	store := newFakeStore()
	announcer := &fakeAnnouncer{}
	h := New(store, announcer, nil, nil, logger.NewNop())

	job, dup, err := h.CreateJob(context.Background(), CreateJobParams{
		UserID:  uuid.New(),
		JobType: "apply",
	})

	require.NoError(t, err)
	require.False(t, dup)
	require.Contains(t, announcer.announced, job.ID)
}

func TestCreateJob_DuplicateIdempotencyKeySkipsAnnounce(t *testing.T) {
	store := newFakeStore()
	announcer := &fakeAnnouncer{}
	h := New(store, announcer, nil, nil, logger.NewNop())

	userID := uuid.New()
	first, _, err := h.CreateJob(context.Background(), CreateJobParams{
		UserID:         userID,
		JobType:        "apply",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	second, dup, err := h.CreateJob(context.Background(), CreateJobParams{
		UserID:         userID,
		JobType:        "apply",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, announcer.announced, 1)
}

func TestCancelJob_NonTerminalBecomesCancelled(t *testing.T) {
	store := newFakeStore()
	h := New(store, &fakeAnnouncer{}, nil, nil, logger.NewNop())

	job, _, err := h.CreateJob(context.Background(), CreateJobParams{UserID: uuid.New(), JobType: "apply"})
	require.NoError(t, err)

	updated, cancelled, err := h.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, ghostjobs.StatusCancelled, updated.Status)
}

func TestCancelJob_FiresCancelledCallbackForUnclaimedJob(t *testing.T) {
	var received callback.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	notifier := callback.NewNotifier(logger.NewNop())
	h := New(store, &fakeAnnouncer{}, nil, notifier, logger.NewNop())

	job, _, err := h.CreateJob(context.Background(), CreateJobParams{
		UserID:      uuid.New(),
		JobType:     "apply",
		CallbackURL: srv.URL,
	})
	require.NoError(t, err)

	_, cancelled, err := h.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, callback.StatusCancelled, received.Status)
	require.Equal(t, job.ID, received.JobID)
	require.NotNil(t, received.Cost)
}

func TestCancelJob_RunningJobSkipsCallback_LeavesItToExecutor(t *testing.T) {
	store := newFakeStore()
	jobID := uuid.New()
	store.jobs[jobID] = &ghostjobs.Job{ID: jobID, Status: ghostjobs.StatusRunning}

	var notifyCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&notifyCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	store.jobs[jobID].CallbackURL = srv.URL

	notifier := callback.NewNotifier(logger.NewNop())
	h := New(store, &fakeAnnouncer{}, nil, notifier, logger.NewNop())

	updated, cancelled, err := h.CancelJob(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, ghostjobs.StatusCancelled, updated.Status)
	require.Zero(t, atomic.LoadInt32(&notifyCalls))
}

func TestSubmitResolution_RejectsUnknownType(t *testing.T) {
	store := newFakeStore()
	h := New(store, &fakeAnnouncer{}, nil, nil, logger.NewNop())

	err := h.SubmitResolution(context.Background(), uuid.New(), "bogus", nil, "human")
	require.Error(t, err)
}

func TestCreateJob_RateLimitedDeniesAndSkipsInsert(t *testing.T) {
	store := newFakeStore()
	gateway := ratelimit.NewGateway(ratelimit.New(ratelimit.NewMemoryStore()))
	h := New(store, &fakeAnnouncer{}, gateway, nil, logger.NewNop())

	userID := uuid.New()
	var lastErr error
	for i := 0; i < 11; i++ {
		_, _, err := h.CreateJob(context.Background(), CreateJobParams{
			UserID:  userID,
			JobType: "apply",
			Tier:    "free",
		})
		lastErr = err
	}

	require.Error(t, lastErr)
	var rl *ghosterrors.RateLimited
	require.ErrorAs(t, lastErr, &rl)
	require.Empty(t, store.inserted[10:])
}

func TestCreateJob_EnterpriseTierBypassesLimit(t *testing.T) {
	store := newFakeStore()
	gateway := ratelimit.NewGateway(ratelimit.New(ratelimit.NewMemoryStore()))
	h := New(store, &fakeAnnouncer{}, gateway, nil, logger.NewNop())

	userID := uuid.New()
	for i := 0; i < 20; i++ {
		_, _, err := h.CreateJob(context.Background(), CreateJobParams{
			UserID:  userID,
			JobType: "apply",
			Tier:    "enterprise",
		})
		require.NoError(t, err)
	}
	require.Len(t, store.inserted, 20)
}
