package workerruntime

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

type fakeRegistry struct {
	mu         sync.Mutex
	upserts    int
	heartbeats int
	lastStatus string
	deregCalls int
}

func (f *fakeRegistry) Upsert(dbctx.Context, string, map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return nil
}

func (f *fakeRegistry) Heartbeat(_ dbctx.Context, _ string, status string, _ *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	f.lastStatus = status
	return nil
}

func (f *fakeRegistry) Deregister(dbctx.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregCalls++
	return nil
}

type fakeJobs struct {
	sweeps atomic.Int64

	mu       sync.Mutex
	released []string
}

func (f *fakeJobs) Insert(dbctx.Context, *ghostjobs.Job) (*ghostjobs.Job, bool, error) {
	return nil, false, nil
}
func (f *fakeJobs) ClaimNext(dbctx.Context, string) (*ghostjobs.Job, error) { return nil, nil }
func (f *fakeJobs) TransitionStatus(dbctx.Context, uuid.UUID, ghostjobs.Status, ghostjobs.Status, map[string]interface{}) (bool, error) {
	return true, nil
}
func (f *fakeJobs) Heartbeat(dbctx.Context, uuid.UUID, string) error { return nil }
func (f *fakeJobs) RecoverStale(dbctx.Context, time.Time) (int64, error) {
	f.sweeps.Add(1)
	return 0, nil
}
func (f *fakeJobs) AppendEvent(dbctx.Context, uuid.UUID, string, map[string]any, string) error {
	return nil
}
func (f *fakeJobs) GetByID(dbctx.Context, uuid.UUID) (*ghostjobs.Job, error) { return nil, nil }
func (f *fakeJobs) Cancel(dbctx.Context, uuid.UUID) (*ghostjobs.Job, bool, error) {
	return nil, false, nil
}
func (f *fakeJobs) SubmitResolution(dbctx.Context, uuid.UUID, string, any, string) error { return nil }
func (f *fakeJobs) ReadAndClearResolution(dbctx.Context, uuid.UUID) (*ghostjobs.InteractionState, bool, error) {
	return nil, false, nil
}
func (f *fakeJobs) ReleaseByWorker(_ dbctx.Context, workerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, workerID)
	return 2, nil
}

type noopDispatcher struct{ started chan struct{} }

func (d *noopDispatcher) Run(ctx context.Context) error {
	close(d.started)
	<-ctx.Done()
	return nil
}

func TestRuntime_RunRegistersHeartbeatsAndDeregisters(t *testing.T) {
	reg := &fakeRegistry{}
	jobs := &fakeJobs{}
	disp := &noopDispatcher{started: make(chan struct{})}

	rt := New(Deps{
		WorkerID:       "worker-1",
		Jobs:           jobs,
		Registry:       reg,
		Dispatcher:     disp,
		HeartbeatEvery: 10 * time.Millisecond,
		SweepEvery:     10 * time.Millisecond,
		StatusPort:     "0",
		Log:            logger.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	<-disp.started
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Equal(t, 1, reg.upserts)
	require.Greater(t, reg.heartbeats, 0)
	require.Equal(t, 1, reg.deregCalls)
	require.Greater(t, jobs.sweeps.Load(), int64(0))
}

func TestRuntime_DrainFlipsHealthEndpoint(t *testing.T) {
	rt := New(Deps{
		WorkerID: "worker-1",
		Jobs:     &fakeJobs{},
		Registry: &fakeRegistry{},
		Log:      logger.NewNop(),
	})
	rt.startedAt = time.Now()
	srv := newStatusServer(rt, "0", logger.NewNop())

	req := httptest.NewRequest("GET", "/worker/health", nil)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	rt.Drain()
	require.True(t, rt.Draining())

	req = httptest.NewRequest("GET", "/worker/health", nil)
	rec = httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	require.Equal(t, 503, rec.Code)
}

func TestRuntime_ForceReleaseWritesBackClaimedJobs(t *testing.T) {
	jobs := &fakeJobs{}
	rt := New(Deps{
		WorkerID: "worker-1",
		Jobs:     jobs,
		Registry: &fakeRegistry{},
		Log:      logger.NewNop(),
	})

	n, err := rt.ForceRelease(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Equal(t, []string{"worker-1"}, jobs.released)
}

func TestRuntime_DrainEndpointTriggersDrain(t *testing.T) {
	rt := New(Deps{
		WorkerID: "worker-1",
		Jobs:     &fakeJobs{},
		Registry: &fakeRegistry{},
		Log:      logger.NewNop(),
	})
	rt.startedAt = time.Now()
	srv := newStatusServer(rt, "0", logger.NewNop())

	req := httptest.NewRequest("POST", "/worker/drain", nil)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.True(t, rt.Draining())
}
