// Package registry persists the WorkerRegistry table: fleet membership
// and liveness, upserted at startup and refreshed on every heartbeat
// tick.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
)

type Repo interface {
	// Upsert inserts or refreshes a worker's row as active.
	Upsert(dbc dbctx.Context, workerID string, deploymentMeta map[string]any) error
	// Heartbeat refreshes last_heartbeat/current_job_id/status.
	Heartbeat(dbc dbctx.Context, workerID string, status string, currentJobID *uuid.UUID) error
	// Deregister marks a worker offline on clean shutdown.
	Deregister(dbc dbctx.Context, workerID string) error
}

type repo struct{ db *gorm.DB }

func New(db *gorm.DB) Repo { return &repo{db: db} }

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *repo) Upsert(dbc dbctx.Context, workerID string, deploymentMeta map[string]any) error {
	meta, err := marshalJSON(deploymentMeta)
	if err != nil {
		return fmt.Errorf("marshal deployment meta: %w", err)
	}
	now := time.Now()
	row := ghostjobs.WorkerRegistryRow{
		WorkerID:       workerID,
		Status:         ghostjobs.WorkerActive,
		LastHeartbeat:  now,
		DeploymentMeta: meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = r.tx(dbc).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":          ghostjobs.WorkerActive,
			"last_heartbeat":  now,
			"deployment_meta": meta,
			"updated_at":      now,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert worker registry: %w", err)
	}
	return nil
}

func (r *repo) Heartbeat(dbc dbctx.Context, workerID string, status string, currentJobID *uuid.UUID) error {
	err := r.tx(dbc).Model(&ghostjobs.WorkerRegistryRow{}).
		Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"status":          status,
			"current_job_id":  currentJobID,
			"last_heartbeat":  time.Now(),
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("heartbeat worker registry: %w", err)
	}
	return nil
}

func (r *repo) Deregister(dbc dbctx.Context, workerID string) error {
	err := r.tx(dbc).Model(&ghostjobs.WorkerRegistryRow{}).
		Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"status":     ghostjobs.WorkerOffline,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}
