// Package idempotency answers "have I seen this key before" within a retention window.
//
// Backends are interchangeable behind Store. Redis is the default durable backend;
// Postgres reuses the job database; Memory is for tests and single-process runs and
// backs the Fallback wrapper when the durable store is unreachable.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultTTL is the retention window for inbound event fingerprints.
const DefaultTTL = 24 * time.Hour

// Store records keys with expiry.
type Store interface {
	// SeenOrMark returns false and records key on the first call within ttl,
	// and true on every later call until the key expires.
	SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Clear removes every key. Administrative use only.
	Clear(ctx context.Context) error
}

// EventKey derives the fingerprint of one inbound event from its source id,
// conversation id and timestamp.
func EventKey(eventID, channel, ts string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{eventID, channel, ts}, "|")))
	return "slack_event:" + hex.EncodeToString(sum[:16])
}

// CallbackKey guards reconciliation of one callback outcome for a job.
func CallbackKey(jobID, outcome string) string {
	return "callback:" + jobID + ":" + outcome
}
