package idempotency

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"media-transcript-pipeline/internal/config"
)

// Open selects the backend named by cfg.IdempotencyBackend. Durable backends are
// wrapped in a Fallback so an outage degrades to process-local dedup.
func Open(cfg config.Config, client *redis.Client, pool *pgxpool.Pool) (Store, error) {
	switch cfg.IdempotencyBackend {
	case "", "redis":
		if client == nil {
			return nil, errors.New("redis idempotency backend needs a redis client")
		}
		return NewFallback(NewRedis(client)), nil
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres idempotency backend needs JOB_STORE=postgres")
		}
		return NewFallback(NewPostgres(pool)), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
}
