package idempotency

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/telemetry"
)

// Fallback answers from primary and degrades to a process-local cache when primary
// errors. Duplicates may then slip through across replicas; refusing new work would
// be worse.
type Fallback struct {
	primary Store
	local   *Memory
}

// NewFallback wraps primary with a fresh process-local cache.
func NewFallback(primary Store) *Fallback {
	return &Fallback{primary: primary, local: NewMemory()}
}

func (f *Fallback) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	seen, err := f.primary.SeenOrMark(ctx, key, ttl)
	if err == nil {
		return seen, nil
	}
	log.Warn().Err(err).Str("key", key).Msg("idempotency store unreachable, using process-local cache")
	telemetry.IdempotencyDegraded.Inc()
	return f.local.SeenOrMark(ctx, key, ttl)
}

func (f *Fallback) Clear(ctx context.Context) error {
	_ = f.local.Clear(ctx)
	return f.primary.Clear(ctx)
}
