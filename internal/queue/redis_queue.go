package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-transcript-pipeline/internal/config"
	"media-transcript-pipeline/internal/models"
)

// RedisQueue coordinates the ready list, in-flight leases and message payloads in Redis.
// Delivery is at-least-once: a message leased by a worker that dies is handed out again
// once its lease expires.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	payloadPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisClient builds the client shared by the queue, idempotency store and rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready:media-jobs",
		inflightKey:   "queue:inflight",
		payloadPrefix: "queue:payload:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// VisibilityTimeout is how long a lease lasts before the message is redelivered.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) payloadKey(jobID string) string {
	return q.payloadPrefix + jobID
}

// Publish stores the message payload and appends the job to the ready list.
func (q *RedisQueue) Publish(ctx context.Context, msg models.QueueMessage) error {
	if msg.JobID == "" {
		return errors.New("queue message without job id")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.payloadKey(msg.JobID), body, 0)
	pipe.RPush(ctx, q.readyKey, msg.JobID)
	_, err = pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the next job and places it in-flight with a visibility timeout.
// It returns nil when the ready list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*models.QueueMessage, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	body, err := q.client.Get(ctx, q.payloadKey(jobID)).Bytes()
	if err == redis.Nil {
		// Payload already acked by another consumer; drop the stale lease.
		_ = q.Ack(ctx, jobID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg models.QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		_ = q.Ack(ctx, jobID)
		return nil, fmt.Errorf("decode queue message %s: %w", jobID, err)
	}
	return &msg, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its payload.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.payloadKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter list for operator inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightDepth returns the number of leased messages.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
