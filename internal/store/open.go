package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"media-transcript-pipeline/internal/config"
)

// Backend is an opened Job Record store. Pool is set only for Postgres so the
// idempotency store can share it.
type Backend struct {
	Records JobRecords
	Pool    *pgxpool.Pool
	Close   func()
}

// Open selects the backend named by cfg.JobStore and prepares its schema.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.JobStore {
	case "", "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return Backend{}, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return Backend{}, fmt.Errorf("migrations: %w", err)
		}
		return Backend{Records: pg, Pool: pg.Pool(), Close: pg.Close}, nil
	case "sqlite":
		lite, err := NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Records: lite, Close: func() { _ = lite.Close() }}, nil
	case "memory":
		return Backend{Records: NewMemory(), Close: func() {}}, nil
	default:
		return Backend{}, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}
}
