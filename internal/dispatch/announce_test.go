package dispatch

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
)

func TestNotifyAnnouncer_CallsPgNotify(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)

	job := &ghostjobs.Job{ID: uuid.New()}
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs(NotifyChannel, job.ID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	a := NewNotifyAnnouncer(gdb)
	err = a.Announce(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueAnnouncer_XAddsJobID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	job := &ghostjobs.Job{ID: uuid.New()}
	a := NewQueueAnnouncer(client)
	err = a.Announce(context.Background(), job)
	require.NoError(t, err)

	entries, err := client.XRange(context.Background(), QueueStreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, job.ID.String(), entries[0].Values["job_id"])
}
