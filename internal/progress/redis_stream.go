package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxStreamEntries bounds each job's progress stream; XAdd trims to
// approximately this length on every publish.
const maxStreamEntries = 1000

// RedisStream publishes progress snapshots onto a per-job Redis
// Stream (bounded by maxStreamEntries) and a companion pub/sub channel
// for subscribers that only want live updates, not history.
type RedisStream struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

func NewRedisStream(client *redis.Client) *RedisStream {
	return &RedisStream{client: client, ctx: context.Background(), prefix: "ghostjobs:progress:"}
}

func (r *RedisStream) streamKey(jobID uuid.UUID) string {
	return r.prefix + "stream:" + jobID.String()
}

func (r *RedisStream) channelKey(jobID uuid.UUID) string {
	return r.prefix + "channel:" + jobID.String()
}

func (r *RedisStream) Publish(jobID uuid.UUID, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal progress snapshot: %w", err)
	}

	key := r.streamKey(jobID)
	if err := r.client.XAdd(r.ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxStreamEntries,
		Approx: true,
		Values: map[string]interface{}{"payload": raw},
	}).Err(); err != nil {
		return fmt.Errorf("xadd progress: %w", err)
	}

	if err := r.client.Publish(r.ctx, r.channelKey(jobID), raw).Err(); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

func (r *RedisStream) SetTTL(jobID uuid.UUID, ttl time.Duration) error {
	if err := r.client.Expire(r.ctx, r.streamKey(jobID), ttl).Err(); err != nil {
		return fmt.Errorf("expire progress stream: %w", err)
	}
	return nil
}
