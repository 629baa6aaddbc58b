// Package slack holds the Slack-facing edges of the pipeline: request signing,
// the Events API envelope, outbound messages and private file downloads.
package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderSignature = "X-Slack-Signature"
	signatureScheme = "v0"
)

var (
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrStaleTimestamp   = errors.New("request timestamp outside allowed window")
)

// Verifier checks the v0 request signature Slack attaches to every Events API call.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier builds a verifier; maxAge bounds the clock skew accepted in either direction.
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Verifier{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// Verify returns nil when header carries a fresh timestamp and a matching signature for body.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	ts := header.Get(HeaderTimestamp)
	sig := header.Get(HeaderSignature)
	if ts == "" || sig == "" {
		return ErrInvalidSignature
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := v.now().Sub(time.Unix(secs, 0))
	if age > v.maxAge || age < -v.maxAge {
		return ErrStaleTimestamp
	}
	expected := Sign(v.secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the X-Slack-Signature value for body sent at ts.
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signatureScheme + ":" + ts + ":"))
	mac.Write(body)
	return signatureScheme + "=" + hex.EncodeToString(mac.Sum(nil))
}
