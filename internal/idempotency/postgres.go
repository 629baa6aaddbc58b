package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps keys in the idempotency_keys table. The expired-row delete and
// the insert are separate statements, so two racing callers can both observe
// "not seen" in a narrow window.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres uses a pool whose database has had the store migrations applied.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	if _, err := p.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2
	`, key, now); err != nil {
		return false, fmt.Errorf("expire idempotency key: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, created_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM idempotency_keys`); err != nil {
		return fmt.Errorf("clear idempotency keys: %w", err)
	}
	return nil
}
