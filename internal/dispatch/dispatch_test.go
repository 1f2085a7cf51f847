package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

type stubStore struct {
	mu      sync.Mutex
	jobs    []*ghostjobs.Job
	claimed int
}

func (s *stubStore) ClaimNext(dbctx.Context, string) (*ghostjobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return nil, nil
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	s.claimed++
	return job, nil
}

func (s *stubStore) Insert(dbctx.Context, *ghostjobs.Job) (*ghostjobs.Job, bool, error) {
	return nil, false, nil
}
func (s *stubStore) TransitionStatus(dbctx.Context, uuid.UUID, ghostjobs.Status, ghostjobs.Status, map[string]interface{}) (bool, error) {
	return true, nil
}
func (s *stubStore) Heartbeat(dbctx.Context, uuid.UUID, string) error     { return nil }
func (s *stubStore) RecoverStale(dbctx.Context, time.Time) (int64, error) { return 0, nil }
func (s *stubStore) AppendEvent(dbctx.Context, uuid.UUID, string, map[string]any, string) error {
	return nil
}
func (s *stubStore) GetByID(dbctx.Context, uuid.UUID) (*ghostjobs.Job, error) { return nil, nil }
func (s *stubStore) Cancel(dbctx.Context, uuid.UUID) (*ghostjobs.Job, bool, error) {
	return nil, false, nil
}
func (s *stubStore) SubmitResolution(dbctx.Context, uuid.UUID, string, any, string) error { return nil }
func (s *stubStore) ReadAndClearResolution(dbctx.Context, uuid.UUID) (*ghostjobs.InteractionState, bool, error) {
	return nil, false, nil
}
func (s *stubStore) ReleaseByWorker(dbctx.Context, string) (int64, error) { return 0, nil }

func TestSlotPool_CapacityAndDebounce(t *testing.T) {
	p := newSlotPool(1)
	require.True(t, p.hasCapacity())

	p.acquire()
	require.False(t, p.hasCapacity())
	p.release()
	require.True(t, p.hasCapacity())

	require.True(t, p.tryBeginPickup())
	require.False(t, p.tryBeginPickup(), "a second concurrent pickup must be debounced")
	p.endPickup()
	require.True(t, p.tryBeginPickup())
}

func TestAttemptClaim_NoCapacitySkipsClaim(t *testing.T) {
	store := &stubStore{jobs: []*ghostjobs.Job{{ID: uuid.New()}}}
	pool := newSlotPool(1)
	pool.acquire()

	claimed := attemptClaim(context.Background(), store, "worker-1", pool, nil, func() {}, logger.NewNop())
	require.False(t, claimed)
	require.Zero(t, store.claimed)
}

func TestAttemptClaim_EmptyQueueReturnsFalse(t *testing.T) {
	store := &stubStore{}
	pool := newSlotPool(1)

	claimed := attemptClaim(context.Background(), store, "worker-1", pool, nil, func() {}, logger.NewNop())
	require.False(t, claimed)
}
