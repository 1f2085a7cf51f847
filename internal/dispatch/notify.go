package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/executor"
	"github.com/ghosthands/core/internal/platform/logger"
)

// NotifyChannel is the Postgres NOTIFY channel new/requeued jobs are
// published on.
const NotifyChannel = "ghosthands_jobs"

// PollFallbackInterval is how often NotifyDispatcher attempts a claim
// even without having seen a notification, guarding against a missed
// or dropped NOTIFY.
const PollFallbackInterval = 5 * time.Second

// NotifyDispatcher claims work via Postgres LISTEN/NOTIFY with a
// polling fallback. A dedicated pgxpool connection holds the LISTEN;
// GORM's own pool is never used for this since a connection blocked in
// WaitForNotification cannot serve query traffic.
type NotifyDispatcher struct {
	pool     *pgxpool.Pool
	store    jobstore.Store
	exec     *executor.Executor
	workerID string
	log      *logger.Logger
	slots    *slotPool
}

func NewNotifyDispatcher(pgxPool *pgxpool.Pool, store jobstore.Store, exec *executor.Executor, workerID string, maxConcurrent int, log *logger.Logger) *NotifyDispatcher {
	return &NotifyDispatcher{
		pool:     pgxPool,
		store:    store,
		exec:     exec,
		workerID: workerID,
		log:      log.With("component", "NotifyDispatcher", "worker_id", workerID),
		slots:    newSlotPool(maxConcurrent),
	}
}

// Run listens for NOTIFY events on a dedicated connection and attempts
// a claim on each one, plus on a fallback poll tick so a dropped
// notification (or a job requeued by another worker's retry) is never
// permanently missed. Returns as soon as ctx is cancelled, without
// waiting for any executor it launched.
func (d *NotifyDispatcher) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	trigger := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	go d.listenLoop(ctx, trigger)

	ticker := time.NewTicker(PollFallbackInterval)
	defer ticker.Stop()

	// Attempt one claim immediately so a worker that starts with queued
	// work already waiting doesn't idle until the first tick.
	trigger()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			attemptClaim(ctx, d.store, d.workerID, d.slots, d.exec, trigger, d.log)
		case <-wake:
			attemptClaim(ctx, d.store, d.workerID, d.slots, d.exec, trigger, d.log)
		}
	}
}

// listenLoop holds a dedicated connection LISTENing on NotifyChannel
// and fires trigger on every notification. Reconnects with a short
// backoff if the connection drops; PollFallbackInterval covers the gap
// while it does.
func (d *NotifyDispatcher) listenLoop(ctx context.Context, trigger func()) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.listenOnce(ctx, trigger); err != nil {
			d.log.Warn("listen connection dropped, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (d *NotifyDispatcher) listenOnce(ctx context.Context, trigger func()) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		trigger()
	}
}
