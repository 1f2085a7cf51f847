package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/executor"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

// QueueStreamKey is the Redis Stream new job_ids are XADD-ed to; one
// stream shared by every worker in a consumer group, giving each job
// to exactly one consumer.
const QueueStreamKey = "ghostjobs:queue"

// QueueConsumerGroup is the shared consumer group name; every worker
// joins it under its own consumer (worker ID), so XReadGroup load
// balances deliveries across the fleet.
const QueueConsumerGroup = "ghosthands-workers"

// QueueBlockDuration bounds how long a single XReadGroup call blocks
// waiting for new stream entries before looping back to check ctx.
const QueueBlockDuration = 5 * time.Second

// QueueDispatcher claims work from a Redis Stream consumer group. Each
// delivery only identifies a job_id; the dispatcher still performs the
// same SKIP LOCKED ClaimNext the other strategies do, so a delivery
// racing a direct-claim or a second delivery of the same entry (Redis
// at-least-once redelivery) is harmless — whichever side wins the row
// lock executes it, the loser XAcks and moves on.
type QueueDispatcher struct {
	client   *redis.Client
	store    jobstore.Store
	exec     *executor.Executor
	workerID string
	log      *logger.Logger
	slots    *slotPool
}

func NewQueueDispatcher(client *redis.Client, store jobstore.Store, exec *executor.Executor, workerID string, maxConcurrent int, log *logger.Logger) *QueueDispatcher {
	return &QueueDispatcher{
		client:   client,
		store:    store,
		exec:     exec,
		workerID: workerID,
		log:      log.With("component", "QueueDispatcher", "worker_id", workerID),
		slots:    newSlotPool(maxConcurrent),
	}
}

// ensureGroup creates the consumer group starting from the beginning
// of the stream, tolerating BUSYGROUP if another worker already did.
func (d *QueueDispatcher) ensureGroup(ctx context.Context) error {
	err := d.client.XGroupCreateMkStream(ctx, QueueStreamKey, QueueConsumerGroup, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isBusyGroup(err) {
			return nil
		}
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Run reads deliveries for this worker's consumer name, attempts a
// claim for each job_id carried, and acknowledges the delivery once
// handled (regardless of whether this worker won the claim — the
// delivery's only job was to wake someone up).
func (d *QueueDispatcher) Run(ctx context.Context) error {
	if err := d.ensureGroup(ctx); err != nil {
		return err
	}

	trigger := func() {}

	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    QueueConsumerGroup,
			Consumer: d.workerID,
			Streams:  []string{QueueStreamKey, ">"},
			Count:    10,
			Block:    QueueBlockDuration,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			d.log.Warn("xreadgroup failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range entries {
			for _, msg := range stream.Messages {
				d.handleEntry(ctx, msg, trigger)
			}
		}
	}
}

func (d *QueueDispatcher) handleEntry(ctx context.Context, msg redis.XMessage, trigger func()) {
	defer d.client.XAck(ctx, QueueStreamKey, QueueConsumerGroup, msg.ID)

	rawID, _ := msg.Values["job_id"].(string)
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		d.log.Warn("queue entry missing valid job_id", "entry_id", msg.ID)
		return
	}

	if !d.slots.hasCapacity() {
		return
	}

	job, err := d.store.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil || job == nil {
		return
	}
	if job.Status != ghostjobs.StatusPending {
		// Already claimed by another consumer, or not claimable; at
		// most one worker ever transitions a given job out of pending.
		return
	}

	claimed, err := d.store.ClaimNext(dbctx.Context{Ctx: ctx}, d.workerID)
	if err != nil || claimed == nil {
		return
	}
	runClaimed(d.slots, d.exec, claimed, trigger, d.log)
}
