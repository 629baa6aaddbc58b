package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	key := ConversationKey("T1", "C1")

	allowed, _, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, allowed, "first token")
	allowed, _, _ = bucket.Allow(ctx, key)
	require.True(t, allowed, "second token")
	allowed, _, _ = bucket.Allow(ctx, key)
	require.False(t, allowed, "bucket drained")

	// Refill is driven by Go's clock passed into the script, so miniredis.FastForward
	// cannot exercise it here.
}

func TestTokenBucketIsolatesConversations(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0.001, time.Minute)

	allowed, _, err := bucket.Allow(ctx, ConversationKey("T1", "C1"))
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, ConversationKey("T1", "C1"))
	require.False(t, allowed)

	allowed, _, err = bucket.Allow(ctx, ConversationKey("T1", "C2"))
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestConversationKey(t *testing.T) {
	require.Equal(t, "rl:T1:C1", ConversationKey("T1", "C1"))
	require.Equal(t, "rl:default:C1", ConversationKey("", "C1"))
}

func TestIdleConversationBucketExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0.001, time.Minute)
	key := ConversationKey("T1", "C1")

	allowed, _, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, mr.Exists(key))

	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists(key))
	allowed, _, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, allowed, "expired bucket starts full")
}
