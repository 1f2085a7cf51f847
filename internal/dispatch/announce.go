package dispatch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
)

// Announcer is the ingress-side half of a Dispatcher: after Insert
// writes a pending row, Announce wakes up whichever pickup strategy
// this deployment runs. Exactly one Announcer implementation is wired
// per process, matching its Dispatcher.
type Announcer interface {
	Announce(ctx context.Context, job *ghostjobs.Job) error
}

// NotifyAnnouncer pairs with NotifyDispatcher: a plain Postgres NOTIFY
// on the shared channel, payload-free since the dispatcher re-derives
// the next claimable row itself rather than trusting the notification
// payload.
type NotifyAnnouncer struct{ db *gorm.DB }

func NewNotifyAnnouncer(db *gorm.DB) *NotifyAnnouncer { return &NotifyAnnouncer{db: db} }

func (a *NotifyAnnouncer) Announce(ctx context.Context, job *ghostjobs.Job) error {
	if err := a.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", NotifyChannel, job.ID.String()).Error; err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// QueueAnnouncer pairs with QueueDispatcher: XADD the job_id onto the
// shared stream so a consumer-group member picks it up.
type QueueAnnouncer struct{ client *redis.Client }

func NewQueueAnnouncer(client *redis.Client) *QueueAnnouncer { return &QueueAnnouncer{client: client} }

func (a *QueueAnnouncer) Announce(ctx context.Context, job *ghostjobs.Job) error {
	err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: QueueStreamKey,
		Values: map[string]interface{}{"job_id": job.ID.String()},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd queue announce: %w", err)
	}
	return nil
}

// TemporalAnnouncer pairs with TemporalDispatcher: instead of a
// separate wake-up signal, job creation itself starts the workflow
// execution that will run the job.
type TemporalAnnouncer struct{ dispatcher *TemporalDispatcher }

func NewTemporalAnnouncer(d *TemporalDispatcher) *TemporalAnnouncer {
	return &TemporalAnnouncer{dispatcher: d}
}

func (a *TemporalAnnouncer) Announce(ctx context.Context, job *ghostjobs.Job) error {
	return a.dispatcher.StartWorkflow(ctx, job)
}
