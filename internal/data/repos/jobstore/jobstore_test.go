package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

// newMockStore opens a *gorm.DB over a sqlmock connection. Expectations
// are matched by regexp rather than literal SQL: GORM's exact column
// ordering and RETURNING clause shape are an implementation detail this
// package doesn't want its tests pinned to.
func newMockStore(t *testing.T) (*store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)

	return &store{db: gdb, log: logger.NewNop()}, mock
}

func TestInsert_NewJobWithoutIdempotencyKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "ghostjobs_job"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	mock.ExpectCommit()

	job := &ghostjobs.Job{UserID: uuid.New(), JobType: "apply"}
	inserted, dup, err := s.Insert(dbctx.Context{Ctx: context.Background()}, job)

	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, ghostjobs.StatusPending, inserted.Status)
	require.Equal(t, 3, inserted.MaxRetries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_ExistingIdempotencyKeyReturnsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	key := "dup-key"
	existingID := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM "ghostjobs_job" WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "idempotency_key", "status"}).
			AddRow(existingID.String(), key, string(ghostjobs.StatusPending)))

	job := &ghostjobs.Job{UserID: uuid.New(), JobType: "apply", IdempotencyKey: &key}
	inserted, dup, err := s.Insert(dbctx.Context{Ctx: context.Background()}, job)

	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, existingID, inserted.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatus_CASSucceedsWhenStatusMatches(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "ghostjobs_job" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.TransitionStatus(dbctx.Context{Ctx: context.Background()}, uuid.New(), ghostjobs.StatusRunning, ghostjobs.StatusCompleted, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatus_CASRejectedWhenStatusDiffers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "ghostjobs_job" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := s.TransitionStatus(dbctx.Context{Ctx: context.Background()}, uuid.New(), ghostjobs.StatusRunning, ghostjobs.StatusCompleted, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat_UpdatesLastHeartbeat(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "ghostjobs_job" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Heartbeat(dbctx.Context{Ctx: context.Background()}, uuid.New(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStale_NoStaleRowsIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "ghostjobs_job" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	n, err := s.RecoverStale(dbctx.Context{Ctx: context.Background()}, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseByWorker_NoClaimedJobsIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "ghostjobs_job" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	n, err := s.ReleaseByWorker(dbctx.Context{Ctx: context.Background()}, "worker-1")
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseByWorker_WritesClaimedJobBackToPending(t *testing.T) {
	s, mock := newMockStore(t)

	jobID := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM "ghostjobs_job" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "worker_id", "status"}).
			AddRow(jobID.String(), "worker-1", string(ghostjobs.StatusRunning)))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "ghostjobs_job" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "ghostjobs_job_event"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	mock.ExpectCommit()

	n, err := s.ReleaseByWorker(dbctx.Context{Ctx: context.Background()}, "worker-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
