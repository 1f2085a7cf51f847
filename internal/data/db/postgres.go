// Package db wires the Postgres connection pool GhostHands runs on top
// of: GORM for row CRUD/migrations, with a raw pgxpool reserved for the
// LISTEN/NOTIFY dispatcher variant which needs a dedicated connection
// outside GORM's pool.
package db

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
	dsn string
}

func NewPostgresService(databaseURL string, log *logger.Logger) (*PostgresService, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}
	serviceLog := log.With("service", "PostgresService")

	// GORM logger: ignore "record not found" spam — ClaimNext misses on
	// every empty poll tick and that is not worth a log line.
	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS pgcrypto;`).Error; err != nil {
		serviceLog.Warn("Failed to enable pgcrypto extension (gen_random_uuid may be unavailable)", "error", err)
	}

	return &PostgresService{db: gdb, log: serviceLog, dsn: databaseURL}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating GhostHands tables...")
	err := s.db.AutoMigrate(
		&ghostjobs.Job{},
		&ghostjobs.JobEvent{},
		&ghostjobs.UserUsage{},
		&ghostjobs.WorkerRegistryRow{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

// NewListenPool opens a dedicated pgx pool for LISTEN/NOTIFY, separate
// from GORM's pool: a connection holding a LISTEN must not be recycled
// into GORM's query traffic.
func NewListenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse listen dsn: %w", err)
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open listen pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping listen pool: %w", err)
	}
	return pool, nil
}
