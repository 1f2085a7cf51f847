// Package dispatch implements the two (plus one) interchangeable
// pickup strategies fronting the same executor.Executor: LISTEN/NOTIFY
// with polled fallback, a Redis Streams queue-consumer, and a Temporal
// workflow-backed variant. All three respect maxConcurrent and perform
// the same at-most-once CAS claim before invoking the executor.
package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/executor"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

// Dispatcher is the shared contract every pickup strategy implements.
// Run blocks, attempting claims until ctx is cancelled, and then
// returns without waiting for the executors it already launched; those
// keep running on their own background context until they finish or
// the process exits.
type Dispatcher interface {
	Run(ctx context.Context) error
}

// DefaultMaxConcurrent is the spec's "conventionally 1 per worker"
// capacity: single-task-per-worker isolates browser sessions and
// simplifies cost/HITL reasoning.
const DefaultMaxConcurrent = 1

// slotPool bounds how many executions a dispatcher may have in flight
// at once and debounces concurrent pickup attempts onto a single
// in-flight claim, per spec §4.6 ("a single-slot debounce prevents
// concurrent pickup calls from the same worker").
type slotPool struct {
	max     int
	active  atomic.Int64
	picking atomic.Bool
}

func newSlotPool(max int) *slotPool {
	if max < 1 {
		max = DefaultMaxConcurrent
	}
	return &slotPool{max: max}
}

func (p *slotPool) hasCapacity() bool { return int(p.active.Load()) < p.max }

// tryBeginPickup claims the single pickup debounce slot; callers that
// lose the race skip this tick entirely rather than queuing behind it.
func (p *slotPool) tryBeginPickup() bool { return p.picking.CompareAndSwap(false, true) }
func (p *slotPool) endPickup()           { p.picking.Store(false) }

func (p *slotPool) acquire() { p.active.Add(1) }
func (p *slotPool) release() { p.active.Add(-1) }

// runClaimed runs one executor invocation in its own goroutine,
// releasing the slot and notifying retrigger on completion.
func runClaimed(pool *slotPool, exec *executor.Executor, job *ghostjobs.Job, retrigger func(), log *logger.Logger) {
	pool.acquire()
	go func() {
		defer pool.release()
		defer retrigger()
		defer func() {
			if r := recover(); r != nil {
				log.Error("dispatcher: executor goroutine panicked", "job_id", job.ID, "panic", r)
			}
		}()
		exec.Execute(context.Background(), job)
	}()
}

// attemptClaim performs one ClaimNext and, on a hit, launches the
// executor. Returns true if a job was claimed (regardless of whether
// it has finished executing yet).
func attemptClaim(ctx context.Context, store jobstore.Store, workerID string, pool *slotPool, exec *executor.Executor, retrigger func(), log *logger.Logger) bool {
	if !pool.hasCapacity() {
		return false
	}
	if !pool.tryBeginPickup() {
		return false
	}
	defer pool.endPickup()

	job, err := store.ClaimNext(dbctx.Context{Ctx: ctx}, workerID)
	if err != nil {
		log.Warn("claim next failed", "worker_id", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}
	runClaimed(pool, exec, job, retrigger, log)
	return true
}
