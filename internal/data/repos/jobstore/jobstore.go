// Package jobstore implements the durable job table and event log.
// ClaimNext is the only blessed pickup path: a single
// SELECT ... FOR UPDATE SKIP LOCKED + UPDATE, run inside one
// transaction, so concurrent callers never observe the same row.
package jobstore

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

// Store is the JobStore contract.
type Store interface {
	Insert(dbc dbctx.Context, job *ghostjobs.Job) (row *ghostjobs.Job, duplicate bool, err error)
	ClaimNext(dbc dbctx.Context, workerID string) (*ghostjobs.Job, error)
	TransitionStatus(dbc dbctx.Context, jobID uuid.UUID, from, to ghostjobs.Status, patch map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, jobID uuid.UUID, workerID string) error
	RecoverStale(dbc dbctx.Context, olderThan time.Time) (int64, error)
	ReleaseByWorker(dbc dbctx.Context, workerID string) (int64, error)
	AppendEvent(dbc dbctx.Context, jobID uuid.UUID, eventType string, metadata map[string]any, actor string) error
	GetByID(dbc dbctx.Context, jobID uuid.UUID) (*ghostjobs.Job, error)
	Cancel(dbc dbctx.Context, jobID uuid.UUID) (*ghostjobs.Job, bool, error)
	SubmitResolution(dbc dbctx.Context, jobID uuid.UUID, resolutionType string, resolutionData any, resolvedBy string) error
	ReadAndClearResolution(dbc dbctx.Context, jobID uuid.UUID) (*ghostjobs.InteractionState, bool, error)
}

type store struct {
	db  *gorm.DB
	log *logger.Logger
	seq atomic.Int64
}

func New(db *gorm.DB, log *logger.Logger) Store {
	return &store{db: db, log: log.With("component", "JobStore")}
}

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return s.db.WithContext(dbc.Ctx)
}

// Insert creates a new pending job row. A unique constraint violation on
// idempotency_key is translated into a (existing job, true, nil) result
// rather than bubbling up as an error.
func (s *store) Insert(dbc dbctx.Context, job *ghostjobs.Job) (*ghostjobs.Job, bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = ghostjobs.StatusPending
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}

	if job.IdempotencyKey != nil && *job.IdempotencyKey != "" {
		var existing ghostjobs.Job
		err := s.tx(dbc).Where("idempotency_key = ?", *job.IdempotencyKey).First(&existing).Error
		if err == nil {
			return &existing, true, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	err := s.tx(dbc).Create(job).Error
	if err != nil {
		if isUniqueViolation(err) && job.IdempotencyKey != nil {
			var existing ghostjobs.Job
			if ferr := s.tx(dbc).Where("idempotency_key = ?", *job.IdempotencyKey).First(&existing).Error; ferr == nil {
				return &existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	return job, false, nil
}

// ClaimNext is the atomic pickup RPC. It selects the highest-priority,
// oldest eligible pending row with FOR UPDATE SKIP LOCKED so concurrent
// claimers across the fleet never collide, then transitions it to
// queued and stamps ownership in the same statement/transaction.
func (s *store) ClaimNext(dbc dbctx.Context, workerID string) (*ghostjobs.Job, error) {
	now := time.Now()
	var claimed *ghostjobs.Job

	err := s.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var job ghostjobs.Job
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)", ghostjobs.StatusPending, now).
			Order("priority DESC, created_at ASC").
			Limit(1).
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		wID := workerID
		res := txx.Model(&ghostjobs.Job{}).
			Where("id = ? AND status = ?", job.ID, ghostjobs.StatusPending).
			Updates(map[string]interface{}{
				"status":         ghostjobs.StatusQueued,
				"worker_id":      wID,
				"last_heartbeat": now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race between SELECT and UPDATE (shouldn't happen
			// under SKIP LOCKED, but treat defensively as "nothing claimed").
			return nil
		}
		job.Status = ghostjobs.StatusQueued
		job.WorkerID = &wID
		job.LastHeartbeat = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return claimed, nil
}

// TransitionStatus is a conditional CAS update: it only applies if the
// row's current status equals from. Rejection (ok=false) is normal
// control flow.1, not an error.
func (s *store) TransitionStatus(dbc dbctx.Context, jobID uuid.UUID, from, to ghostjobs.Status, patch map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range patch {
		updates[k] = v
	}
	if to.Terminal() {
		if _, ok := updates["completed_at"]; !ok {
			updates["completed_at"] = time.Now()
		}
	}
	res := s.tx(dbc).Model(&ghostjobs.Job{}).
		Where("id = ? AND status = ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Heartbeat refreshes last_heartbeat iff worker_id matches, so a worker
// that has lost its claim (e.g. recovered out from under it) cannot
// resurrect ownership by heartbeating.
func (s *store) Heartbeat(dbc dbctx.Context, jobID uuid.UUID, workerID string) error {
	res := s.tx(dbc).Model(&ghostjobs.Job{}).
		Where("id = ? AND worker_id = ?", jobID, workerID).
		Update("last_heartbeat", time.Now())
	if res.Error != nil {
		return fmt.Errorf("heartbeat: %w", res.Error)
	}
	return nil
}

// RecoverStale re-queues jobs in {queued, running} whose heartbeat has
// expired past olderThan, nulling worker_id and recording an event with
// reason=stuck_job_recovery. retry_count is untouched.
func (s *store) RecoverStale(dbc dbctx.Context, olderThan time.Time) (int64, error) {
	var stale []ghostjobs.Job
	err := s.tx(dbc).
		Where("status IN ? AND last_heartbeat < ?", []ghostjobs.Status{ghostjobs.StatusQueued, ghostjobs.StatusRunning}, olderThan).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var recovered int64
	for _, job := range stale {
		res := s.tx(dbc).Model(&ghostjobs.Job{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]interface{}{
				"status":     ghostjobs.StatusPending,
				"worker_id":  nil,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			s.log.Warn("recover stale job failed", "job_id", job.ID, "error", res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		recovered++
		if err := s.AppendEvent(dbc, job.ID, ghostjobs.EventStuckJobRecovery, map[string]any{
			"reason":             "stuck_job_recovery",
			"previous_worker_id": job.WorkerID,
			"previous_status":    job.Status,
		}, "recovery_sweep"); err != nil {
			s.log.Warn("append recovery event failed", "job_id", job.ID, "error", err)
		}
	}
	return recovered, nil
}

// ReleaseByWorker writes every queued or running job currently claimed
// by workerID back to pending with worker_id cleared, regardless of how
// stale its heartbeat is; paused jobs claimed by workerID are left as
// they are. This is the force-release half of the worker's two-phase
// shutdown: unlike RecoverStale, which only acts on jobs whose
// heartbeat has actually expired, this runs once at exit and releases
// the worker's queued and running jobs, live heartbeat or not.
func (s *store) ReleaseByWorker(dbc dbctx.Context, workerID string) (int64, error) {
	var claimed []ghostjobs.Job
	err := s.tx(dbc).
		Where("worker_id = ? AND status IN ?", workerID, []ghostjobs.Status{ghostjobs.StatusQueued, ghostjobs.StatusRunning, ghostjobs.StatusPaused}).
		Find(&claimed).Error
	if err != nil {
		return 0, fmt.Errorf("find worker-claimed jobs: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var released int64
	for _, job := range claimed {
		res := s.tx(dbc).Model(&ghostjobs.Job{}).
			Where("id = ? AND worker_id = ? AND status = ?", job.ID, workerID, job.Status).
			Updates(map[string]interface{}{
				"status":     ghostjobs.StatusPending,
				"worker_id":  nil,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			s.log.Warn("force-release job failed", "job_id", job.ID, "error", res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		released++
		if err := s.AppendEvent(dbc, job.ID, ghostjobs.EventJobForceReleased, map[string]any{
			"previous_worker_id": workerID,
			"previous_status":    job.Status,
		}, workerID); err != nil {
			s.log.Warn("append force-release event failed", "job_id", job.ID, "error", err)
		}
	}
	return released, nil
}

// AppendEvent inserts an audit-log row. Callers must treat a non-nil
// error here as non-fatal to the caller's own operation.
func (s *store) AppendEvent(dbc dbctx.Context, jobID uuid.UUID, eventType string, metadata map[string]any, actor string) error {
	meta, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	event := &ghostjobs.JobEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Sequence:  s.nextSequence(),
		EventType: eventType,
		Metadata:  meta,
		Actor:     actor,
		CreatedAt: time.Now(),
	}
	if err := s.tx(dbc).Create(event).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// nextSequence hands out a process-local monotonic tiebreaker so events
// for the same job sort stably even at timestamp resolution ties. It
// does not need to be globally unique across workers — readers order
// by (job_id, created_at, sequence) and two different jobs never
// compare sequences against each other.
func (s *store) nextSequence() int64 { return s.seq.Add(1) }

func (s *store) GetByID(dbc dbctx.Context, jobID uuid.UUID) (*ghostjobs.Job, error) {
	var job ghostjobs.Job
	if err := s.tx(dbc).Where("id = ?", jobID).First(&job).Error; err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Cancel transitions any non-terminal job to cancelled. This is the
// distinguished cross-actor mutation permitted regardless of current
// worker ownership.
func (s *store) Cancel(dbc dbctx.Context, jobID uuid.UUID) (*ghostjobs.Job, bool, error) {
	now := time.Now()
	res := s.tx(dbc).Model(&ghostjobs.Job{}).
		Where("id = ? AND status IN ?", jobID, []ghostjobs.Status{
			ghostjobs.StatusPending, ghostjobs.StatusQueued, ghostjobs.StatusRunning, ghostjobs.StatusPaused,
		}).
		Updates(map[string]interface{}{
			"status":       ghostjobs.StatusCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("cancel job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.GetByID(dbc, jobID)
		return job, false, err
	}
	job, err := s.GetByID(dbc, jobID)
	if err != nil {
		return nil, true, err
	}
	return job, true, nil
}

// SubmitResolution writes a human's resolution into interaction_data.
// Only valid while the job is paused; enforced by the
// caller checking Job.Status before invoking this, since the column
// itself carries no status gate.
func (s *store) SubmitResolution(dbc dbctx.Context, jobID uuid.UUID, resolutionType string, resolutionData any, resolvedBy string) error {
	job, err := s.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job.Status != ghostjobs.StatusPaused {
		return fmt.Errorf("job %s is not paused (status=%s)", jobID, job.Status)
	}
	state, err := decodeInteractionState(job.InteractionData)
	if err != nil {
		return fmt.Errorf("decode interaction state: %w", err)
	}
	state.ResolutionType = resolutionType
	state.ResolutionData = resolutionData
	state.ResolvedBy = resolvedBy
	now := time.Now()
	state.ResolvedAt = &now

	raw, err := marshalAny(state)
	if err != nil {
		return fmt.Errorf("marshal interaction state: %w", err)
	}
	res := s.tx(dbc).Model(&ghostjobs.Job{}).
		Where("id = ? AND status = ?", jobID, ghostjobs.StatusPaused).
		Update("interaction_data", raw)
	if res.Error != nil {
		return fmt.Errorf("submit resolution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s is no longer paused", jobID)
	}
	return nil
}

// ReadAndClearResolution atomically reads a pending resolution and
// strips the resolution_* keys in the same transaction, with the row
// locked FOR UPDATE between the read and the write, so a resolution
// can only ever be consumed once.
func (s *store) ReadAndClearResolution(dbc dbctx.Context, jobID uuid.UUID) (*ghostjobs.InteractionState, bool, error) {
	var resolved *ghostjobs.InteractionState
	err := s.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var job ghostjobs.Job
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobID).First(&job).Error; err != nil {
			return err
		}
		state, err := decodeInteractionState(job.InteractionData)
		if err != nil {
			return err
		}
		if state.ResolutionType == "" {
			return nil // no resolution yet; not an error
		}
		snapshot := *state
		state.ResolutionType = ""
		state.ResolutionData = nil
		state.ResolvedBy = ""
		state.ResolvedAt = nil

		raw, err := marshalAny(state)
		if err != nil {
			return err
		}
		if err := txx.Model(&ghostjobs.Job{}).Where("id = ?", jobID).Update("interaction_data", raw).Error; err != nil {
			return err
		}
		resolved = &snapshot
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("read and clear resolution: %w", err)
	}
	return resolved, resolved != nil, nil
}
