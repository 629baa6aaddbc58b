package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"media-transcript-pipeline/internal/config"
	"media-transcript-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, config.Config{VisibilityTimeout: time.Minute, DLQName: "queue:dlq"}), mr
}

func TestPublishDequeueAck(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	msg := models.QueueMessage{
		JobID:         "job-1",
		ArtifactPaths: []string{"file:///tmp/jobs/job-1/input/F1-a.mp4"},
		FileNames:     []string{"a.mp4"},
		Event:         models.EventContext{Channel: "C1", TS: "100.1"},
	}
	require.NoError(t, q.Publish(ctx, msg))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	got, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, msg, *got)

	inflight, err := q.InflightDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), inflight)

	require.NoError(t, q.Ack(ctx, "job-1"))
	inflight, _ = q.InflightDepth(ctx)
	require.Zero(t, inflight)
	require.False(t, mr.Exists("queue:payload:job-1"))

	empty, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestRequeueExpiredLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, models.QueueMessage{JobID: "job-2"}))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, ids, "lease still valid")

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"job-2"}, ids)

	again, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, "job-2", again.JobID)
}

func TestExtendLeaseDefersRequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, models.QueueMessage{JobID: "job-3"}))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ExtendLease(ctx, "job-3", 10*time.Minute))

	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestExtendLeaseIgnoresAcked(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.ExtendLease(ctx, "gone", time.Minute))
	inflight, err := q.InflightDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, inflight)
}

func TestDLQ(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.DLQPush(ctx, "a"))
	require.NoError(t, q.DLQPush(ctx, "b"))
	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, items)
}
