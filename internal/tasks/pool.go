// Package tasks runs background work that outlives the request that started it.
//
// Every task belongs to a class with an explicit retry policy. Submission blocks
// when the pool is saturated so callers feel back-pressure instead of work being
// dropped after its idempotency key has already been marked.
package tasks

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"media-transcript-pipeline/internal/telemetry"
)

// Policy is the retry and timeout contract for one task class.
type Policy struct {
	Name        string
	MaxAttempts int
	// Timeout bounds each attempt.
	Timeout        time.Duration
	InitialBackoff time.Duration
}

var (
	// Dispatch stages artifacts and publishes a job. It is not retried: a failure
	// is recorded on the job and the operator retries through the API.
	Dispatch = Policy{Name: "dispatch", MaxAttempts: 1, Timeout: 5 * time.Minute}
	// Notify posts into a conversation.
	Notify = Policy{Name: "notify", MaxAttempts: 3, Timeout: 10 * time.Second, InitialBackoff: 500 * time.Millisecond}
)

// Func is one unit of background work.
type Func func(ctx context.Context) error

// Pool is a bounded set of goroutines.
type Pool struct {
	group *errgroup.Group
}

// NewPool allows at most limit tasks to run at once.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = 16
	}
	g := &errgroup.Group{}
	g.SetLimit(limit)
	return &Pool{group: g}
}

// Submit runs fn in the background under policy. The task keeps ctx's values but
// not its cancellation. Submit blocks while the pool is full.
func (p *Pool) Submit(ctx context.Context, policy Policy, fn Func) {
	base := context.WithoutCancel(ctx)
	p.group.Go(func() error {
		run(base, policy, fn)
		return nil
	})
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

func run(ctx context.Context, policy Policy, fn Func) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		actx := ctx
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}
		return struct{}{}, fn(actx)
	}

	policyBackoff := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		policyBackoff.InitialInterval = policy.InitialBackoff
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policyBackoff),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("task", policy.Name).Int("attempt", attempt).Dur("retry_in", next).Msg("task attempt failed")
		}),
	)
	if err != nil {
		telemetry.TaskFailures.WithLabelValues(policy.Name).Inc()
		log.Error().Err(err).Str("task", policy.Name).Int("attempts", attempt).Msg("task failed")
	}
}
