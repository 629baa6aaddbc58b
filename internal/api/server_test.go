package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"media-transcript-pipeline/internal/artifacts"
	"media-transcript-pipeline/internal/config"
	"media-transcript-pipeline/internal/dispatch"
	"media-transcript-pipeline/internal/idempotency"
	"media-transcript-pipeline/internal/knowledgebase"
	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/ratelimit"
	"media-transcript-pipeline/internal/recognizer"
	"media-transcript-pipeline/internal/reconcile"
	"media-transcript-pipeline/internal/slack"
	"media-transcript-pipeline/internal/store"
	"media-transcript-pipeline/internal/summarizer"
	"media-transcript-pipeline/internal/tasks"
	"media-transcript-pipeline/internal/worker"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type fakeDownloader struct{}

func (fakeDownloader) Download(_ context.Context, url string, w io.Writer) error {
	_, err := w.Write([]byte("media from " + url))
	return err
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []models.QueueMessage
}

func (p *capturePublisher) Publish(_ context.Context, msg models.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *capturePublisher) published() []models.QueueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.QueueMessage(nil), p.msgs...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	posts []string
}

func (n *recordingNotifier) Post(_ context.Context, conv models.EventContext, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, conv.Channel+"|"+text)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.posts...)
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, _ string, transcript string) (summarizer.Summary, error) {
	return summarizer.Summary{Title: "Weekly standup", Overview: transcript, KeyPoints: []string{"shipped"}}, nil
}

type fakeKB struct{}

func (fakeKB) CreatePage(_ context.Context, page knowledgebase.PageRequest) (knowledgebase.Page, error) {
	return knowledgebase.Page{ID: "page-1", URL: "https://kb.example/page-1"}, nil
}

type staticLimiter struct{ allow bool }

func (l staticLimiter) Allow(context.Context, string) (bool, float64, error) {
	return l.allow, 0, nil
}

type staticDLQ []string

func (d staticDLQ) DLQPeek(context.Context, int64) ([]string, error) { return d, nil }

type fixture struct {
	srv       *httptest.Server
	records   *store.MemoryStore
	blobs     *artifacts.Local
	publisher *capturePublisher
	notifier  *recordingNotifier
	pool      *tasks.Pool
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	blobs, err := artifacts.NewLocal(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		records:   store.NewMemory(),
		blobs:     blobs,
		publisher: &capturePublisher{},
		notifier:  &recordingNotifier{},
		pool:      tasks.NewPool(4),
	}
	idem := idempotency.NewMemory()
	deps := Deps{
		Verifier:    slack.NewVerifier(testSecret, 10*time.Minute),
		Idempotency: idem,
		Dispatcher: dispatch.New(f.records, blobs, f.publisher, fakeDownloader{}, f.notifier, dispatch.Options{
			WorkDir: t.TempDir(),
		}),
		Reconciler: reconcile.New(f.records, idem, blobs, fakeSummarizer{}, fakeKB{}, f.notifier, reconcile.Options{}),
		Records:    f.records,
		Tasks:      f.pool,
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.srv = httptest.NewServer(New(deps).Router())
	t.Cleanup(f.srv.Close)
	return f
}

func eventBody(eventID, channel, ts string, files ...models.SlackFile) []byte {
	if len(files) == 0 {
		files = []models.SlackFile{{
			ID:                 "F1",
			Name:               "standup.mp4",
			Mimetype:           "video/mp4",
			Size:               2048,
			URLPrivateDownload: "https://files.slack.test/F1",
		}}
	}
	body, _ := json.Marshal(map[string]any{
		"type":     "event_callback",
		"team_id":  "T1",
		"event_id": eventID,
		"event": models.SlackEvent{
			Type:    "message",
			Subtype: "file_share",
			Channel: channel,
			User:    "U1",
			TS:      ts,
			Files:   files,
		},
	})
	return body
}

func (f *fixture) postSigned(t *testing.T, body []byte) (int, map[string]any) {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/slack/events", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(slack.HeaderTimestamp, ts)
	req.Header.Set(slack.HeaderSignature, slack.Sign([]byte(testSecret), ts, body))
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestURLVerification(t *testing.T) {
	f := newFixture(t, nil)
	code, out := f.postSigned(t, []byte(`{"type":"url_verification","challenge":"abc123"}`))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "abc123", out["challenge"])
}

func TestBadSignatureIsUnauthorized(t *testing.T) {
	f := newFixture(t, nil)
	body := eventBody("E1", "C1", "100.1")
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/slack/events", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(slack.HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set(slack.HeaderSignature, "v0=deadbeef")

	code, _ := do(t, req)
	require.Equal(t, http.StatusUnauthorized, code)
	f.pool.Wait()
	require.Zero(t, f.records.Len())
}

func TestMalformedEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.postSigned(t, []byte(`{"type":"event_callback","event":{"type":"message"}}`))
	require.Equal(t, http.StatusBadRequest, code)
}

func TestBotMessageIgnored(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"type":"event_callback","event_id":"E9","event":{"type":"message","bot_id":"B1","channel":"C1","ts":"1.0","files":[{"id":"F1","mimetype":"audio/mpeg","size":1}]}}`)
	code, out := f.postSigned(t, body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ignored", out["status"])
	require.Empty(t, f.publisher.published())
}

func TestAcceptedEventDispatches(t *testing.T) {
	f := newFixture(t, nil)
	code, out := f.postSigned(t, eventBody("E1", "C1", "100.1"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "accepted", out["status"])
	jobID, _ := out["jobId"].(string)
	require.NotEmpty(t, jobID)

	f.pool.Wait()
	rec, err := f.records.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.Status)
	require.Equal(t, []string{"standup.mp4"}, rec.FileNames)

	msgs := f.publisher.published()
	require.Len(t, msgs, 1)
	require.Equal(t, jobID, msgs[0].JobID)
	require.Equal(t, "C1", msgs[0].Event.Channel)
}

func TestReplayedEventIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	body := eventBody("E1", "C1", "100.1")

	_, first := f.postSigned(t, body)
	require.Equal(t, "accepted", first["status"])
	_, second := f.postSigned(t, body)
	require.Equal(t, "duplicate_event_skipped", second["status"])

	f.pool.Wait()
	require.Equal(t, 1, f.records.Len())
	require.Len(t, f.publisher.published(), 1)
}

func TestConcurrentDeliveriesCreateOneRecord(t *testing.T) {
	f := newFixture(t, nil)
	body := eventBody("E1", "C1", "100.1")

	const deliveries = 12
	statuses := make(chan string, deliveries)
	var wg sync.WaitGroup
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, out := f.postSigned(t, body)
			s, _ := out["status"].(string)
			statuses <- s
		}()
	}
	wg.Wait()
	close(statuses)

	accepted := 0
	for s := range statuses {
		if s == "accepted" {
			accepted++
		} else {
			require.Equal(t, "duplicate_event_skipped", s)
		}
	}
	require.Equal(t, 1, accepted)
	f.pool.Wait()
	require.Equal(t, 1, f.records.Len())
}

func TestOversizedFileRejected(t *testing.T) {
	f := newFixture(t, nil)
	big := models.SlackFile{ID: "F2", Name: "allhands.mov", Mimetype: "video/quicktime", Size: dispatch.DefaultMaxFileBytes + 1}

	code, out := f.postSigned(t, eventBody("E2", "C1", "200.1", big))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "rejected", out["status"])
	require.Contains(t, out["reason"], "file exceeds size limit")

	f.pool.Wait()
	require.Zero(t, f.records.Len())
	require.Empty(t, f.publisher.published())
	posts := f.notifier.all()
	require.Len(t, posts, 1)
	require.True(t, strings.HasPrefix(posts[0], "C1|"))
	require.Contains(t, posts[0], "allhands.mov")
	require.Contains(t, posts[0], "1.0 GiB")
}

func TestNonMediaRejected(t *testing.T) {
	f := newFixture(t, nil)
	doc := models.SlackFile{ID: "F3", Name: "notes.pdf", Mimetype: "application/pdf", Size: 10}
	_, out := f.postSigned(t, eventBody("E3", "C1", "300.1", doc))
	require.Equal(t, "rejected", out["status"])
	f.pool.Wait()
	require.Zero(t, f.records.Len())
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = staticLimiter{allow: false} })
	code, _ := f.postSigned(t, eventBody("E1", "C1", "100.1"))
	require.Equal(t, http.StatusTooManyRequests, code)

	f.pool.Wait()
	require.Zero(t, f.records.Len())
}

func TestRateLimitedEventCanBeRedelivered(t *testing.T) {
	limiter := &toggleLimiter{}
	f := newFixture(t, func(d *Deps) { d.Limiter = limiter })
	body := eventBody("E1", "C1", "100.1")

	code, _ := f.postSigned(t, body)
	require.Equal(t, http.StatusTooManyRequests, code)

	limiter.set(true)
	_, out := f.postSigned(t, body)
	require.Equal(t, "accepted", out["status"])
}

type toggleLimiter struct {
	mu    sync.Mutex
	allow bool
}

func (l *toggleLimiter) set(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allow = v
}

func (l *toggleLimiter) Allow(context.Context, string) (bool, float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allow, 0, nil
}

func TestCallbackValidation(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/callbacks/worker", strings.NewReader(`{"status":"success"}`))
	require.NoError(t, err)
	code, _ := do(t, req)
	require.Equal(t, http.StatusBadRequest, code)

	req, err = http.NewRequest(http.MethodPost, f.srv.URL+"/callbacks/worker", strings.NewReader(`not json`))
	require.NoError(t, err)
	code, _ = do(t, req)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.records.Create(ctx, "J1", models.StatusPending, models.JobMetadata{
		FileNames: []string{"standup.mp4"},
		Event:     models.SlackEvent{Channel: "C1", TS: "100.1"},
	}))

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/jobs/J1", nil)
	code, out := do(t, req)
	require.Equal(t, http.StatusOK, code)
	job := out["job"].(map[string]any)
	require.Equal(t, "pending", job["status"])
	require.Len(t, out["history"], 1)

	req, _ = http.NewRequest(http.MethodGet, f.srv.URL+"/jobs/missing", nil)
	code, _ = do(t, req)
	require.Equal(t, http.StatusNotFound, code)
}

func TestRetryDispatchesFreshJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.records.Create(ctx, "J-old", models.StatusFailed, models.JobMetadata{
		Event: models.SlackEvent{
			Type:    "message",
			Channel: "C1",
			TS:      "100.1",
			Files: []models.SlackFile{{
				ID: "F1", Name: "standup.mp4", Mimetype: "video/mp4", Size: 10,
				URLPrivate: "https://files.slack.test/F1",
			}},
		},
		Error: "analyze: boom",
	}))

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/jobs/J-old/retry", nil)
	code, out := do(t, req)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "retried", out["status"])
	require.Equal(t, "J-old", out["previousJobId"])
	newID, _ := out["jobId"].(string)
	require.NotEmpty(t, newID)
	require.NotEqual(t, "J-old", newID)

	f.pool.Wait()
	rec, err := f.records.Get(ctx, newID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.Status)
	old, err := f.records.Get(ctx, "J-old")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, old.Status)
}

func TestRetryUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/jobs/nope/retry", strings.NewReader(`{}`))
	code, _ := do(t, req)
	require.Equal(t, http.StatusNotFound, code)
}

func TestDLQ(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.DeadLetters = staticDLQ{"J1", "J2"} })
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/dlq", nil)
	code, out := do(t, req)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"J1", "J2"}, out["items"])
}

type wavTranscoder struct{}

func (wavTranscoder) ToWAV(_ context.Context, source, dest string) error {
	if _, err := os.Stat(source); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("RIFF"), 0o644)
}

type cannedRecognizer struct{}

func (cannedRecognizer) Recognize(context.Context, recognizer.Request) (recognizer.Transcript, error) {
	return recognizer.Transcript{Operation: "op-1", Language: "en-US", Text: "we shipped the release"}, nil
}

type ackQueue struct {
	mu    sync.Mutex
	acked []string
	dlq   []string
}

func (q *ackQueue) DequeueWithLease(context.Context) (*models.QueueMessage, error) { return nil, nil }
func (q *ackQueue) ExtendLease(context.Context, string, time.Duration) error       { return nil }
func (q *ackQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}
func (q *ackQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

func (q *ackQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *ackQueue) DLQPush(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, id)
	return nil
}

// runWorker processes msg through the real worker pipeline, reporting back to
// the fixture's callback endpoint.
func (f *fixture) runWorker(t *testing.T, msg models.QueueMessage) *ackQueue {
	t.Helper()
	pipeline := worker.NewPipeline(f.records, f.blobs, wavTranscoder{}, cannedRecognizer{},
		worker.NewHTTPCallback(f.srv.URL+"/callbacks/worker", 5*time.Second), f.notifier,
		worker.PipelineOptions{WorkDir: t.TempDir(), MediaExtensions: config.Load().MediaExtensions})
	q := &ackQueue{}
	worker.NewProcessor(q, pipeline, worker.ProcessorOptions{WorkerID: "w1", VisibilityTimeout: time.Minute}).Handle(context.Background(), msg)
	return q
}

func TestEndToEndMediaToDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, out := f.postSigned(t, eventBody("E1", "C1", "100.1"))
	require.Equal(t, "accepted", out["status"])
	jobID := out["jobId"].(string)
	f.pool.Wait()

	msgs := f.publisher.published()
	require.Len(t, msgs, 1)

	q := f.runWorker(t, msgs[0])

	require.Equal(t, []string{jobID}, q.acked)
	require.Empty(t, q.dlq)

	rec, err := f.records.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rec.Status, "error: %v", rec.Error)
	require.NotNil(t, rec.Result)
	require.NotEmpty(t, rec.Result.TranscriptURL)
	require.Equal(t, "https://kb.example/page-1", rec.Result.DocumentURL)

	posts := f.notifier.all()
	require.Len(t, posts, 1)
	require.True(t, strings.HasPrefix(posts[0], "C1|"), posts[0])
	require.Contains(t, posts[0], "https://kb.example/page-1")

	// A second delivery of the same callback changes nothing.
	payload, _ := json.Marshal(models.CallbackPayload{JobID: jobID, Status: models.OutcomeSuccess, TranscriptURL: rec.Result.TranscriptURL})
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/callbacks/worker", bytes.NewReader(payload))
	code, dup := do(t, req)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "duplicate_callback_skipped", dup["status"])
	require.Len(t, f.notifier.all(), 1)

	history, err := f.records.History(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprint(models.StatusCompleted), history[len(history)-1].Event)
}

func TestEndToEndNamelessVideo(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	body := []byte(`{"type":"event_callback","team_id":"T1","event_id":"E1","event":{"type":"message","subtype":"file_share","channel":"C1","user":"U1","ts":"100.1","files":[{"id":"F1","size":2000000,"mimetype":"video/mp4","url_private_download":"https://files.slack.test/F1"}]}}`)

	_, out := f.postSigned(t, body)
	require.Equal(t, "accepted", out["status"])
	jobID := out["jobId"].(string)
	f.pool.Wait()

	rec, err := f.records.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.Status)

	msgs := f.publisher.published()
	require.Len(t, msgs, 1)
	q := f.runWorker(t, msgs[0])
	require.Empty(t, q.dlq)

	rec, err = f.records.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rec.Status, "error: %v", rec.Error)
	require.NotEmpty(t, rec.Result.TranscriptURL)

	posts := f.notifier.all()
	require.Len(t, posts, 1)
	require.True(t, strings.HasPrefix(posts[0], "C1|"), posts[0])
	require.Contains(t, posts[0], rec.Result.DocumentURL)
}

func TestRedisOutageStillAcceptsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	idem, err := idempotency.Open(config.Config{IdempotencyBackend: "redis"}, rdb, nil)
	require.NoError(t, err)

	f := newFixture(t, func(d *Deps) {
		d.Limiter = ratelimit.NewTokenBucket(rdb, 10, 1, time.Hour)
		d.Idempotency = idem
	})
	mr.Close()

	body := eventBody("E1", "C1", "100.1")
	code, out := f.postSigned(t, body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "accepted", out["status"])

	code, out = f.postSigned(t, body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "duplicate_event_skipped", out["status"])

	f.pool.Wait()
	require.Equal(t, 1, f.records.Len())
	require.Len(t, f.publisher.published(), 1)
}
