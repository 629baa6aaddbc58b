package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/artifacts"
	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/recognizer"
	"media-transcript-pipeline/internal/slack"
	"media-transcript-pipeline/internal/store"
	"media-transcript-pipeline/internal/telemetry"
	"media-transcript-pipeline/internal/transcode"
)

// Stage names, recorded as the prefix of a failed job's error.
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StageAnalyze   = "analyze"
	StagePersist   = "persist"
)

// StageError is a failure attributed to one pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// ErrNoMedia means nothing under the job's input prefix looked like audio or video.
var ErrNoMedia = errors.New("no media artifact found for job")

// PipelineOptions tune a Pipeline.
type PipelineOptions struct {
	WorkDir         string
	SampleRate      int
	Language        string
	MediaExtensions []string
	NotifyTimeout   time.Duration
	CallbackTimeout time.Duration
}

// Pipeline runs the four stages of one job: fetch, transform, analyze, persist.
type Pipeline struct {
	records    store.JobRecords
	artifacts  artifacts.Store
	transcoder transcode.Transcoder
	recognizer recognizer.Recognizer
	callbacks  CallbackSender
	notifier   slack.Notifier
	opts       PipelineOptions
	mediaExts  map[string]struct{}
	now        func() time.Time
}

// NewPipeline builds a Pipeline.
func NewPipeline(records store.JobRecords, blobs artifacts.Store, tc transcode.Transcoder, rec recognizer.Recognizer, callbacks CallbackSender, notifier slack.Notifier, opts PipelineOptions) *Pipeline {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = 5 * time.Minute
	}
	exts := make(map[string]struct{}, len(opts.MediaExtensions))
	for _, e := range opts.MediaExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	return &Pipeline{
		records:    records,
		artifacts:  blobs,
		transcoder: tc,
		recognizer: rec,
		callbacks:  callbacks,
		notifier:   notifier,
		opts:       opts,
		mediaExts:  exts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process runs every stage for msg. Stage failures are recorded on the job and
// reported through the callback before being returned. A message for a job
// that is already completed or failed is dropped without running any stage.
func (p *Pipeline) Process(ctx context.Context, msg models.QueueMessage) error {
	logger := log.With().Str("job_id", msg.JobID).Str("channel", msg.Event.Channel).Logger()
	ctx = logger.WithContext(ctx)

	rec, err := p.records.Get(ctx, msg.JobID)
	switch {
	case err == nil && rec.Status.Terminal():
		logger.Info().Str("status", string(rec.Status)).Msg("job already settled, skipping redelivery")
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		logger.Warn().Err(err).Msg("load job record")
	}

	err = p.run(ctx, msg)
	if err == nil {
		telemetry.WorkerSuccess.Inc()
		logger.Info().Msg("job handed to reconciler")
		return nil
	}

	telemetry.WorkerFailures.Inc()
	logger.Error().Err(err).Msg("job failed")
	p.fail(ctx, msg, err)
	return err
}

func (p *Pipeline) run(ctx context.Context, msg models.QueueMessage) error {
	workDir, err := os.MkdirTemp(p.opts.WorkDir, "job-"+msg.JobID+"-")
	if err != nil {
		return &StageError{Stage: StageFetch, Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer os.RemoveAll(workDir)

	p.advance(ctx, msg.JobID, models.StatusProcessingAudio, "")

	var input string
	if err := p.timed(StageFetch, func() error {
		var ferr error
		input, ferr = p.fetch(ctx, msg, workDir)
		return ferr
	}); err != nil {
		return err
	}

	var audioURI string
	if err := p.timed(StageTransform, func() error {
		var terr error
		audioURI, terr = p.transform(ctx, msg.JobID, input, workDir)
		return terr
	}); err != nil {
		return err
	}

	p.advance(ctx, msg.JobID, models.StatusTranscribing, "")

	var transcript recognizer.Transcript
	if err := p.timed(StageAnalyze, func() error {
		var aerr error
		transcript, aerr = p.recognizer.Recognize(ctx, recognizer.Request{
			AudioURI:     audioURI,
			SampleRate:   p.opts.SampleRate,
			LanguageCode: p.opts.Language,
		})
		return aerr
	}); err != nil {
		return err
	}

	return p.timed(StagePersist, func() error {
		return p.persist(ctx, msg, audioURI, transcript)
	})
}

// timed runs one stage, records its latency and tags any error with the stage.
func (p *Pipeline) timed(stage string, fn func() error) error {
	started := time.Now()
	err := fn()
	telemetry.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return err
		}
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// fetch picks the first staged media artifact for the job and copies it to workDir.
func (p *Pipeline) fetch(ctx context.Context, msg models.QueueMessage, workDir string) (string, error) {
	staged, err := p.artifacts.List(ctx, artifacts.InputPrefix(msg.JobID))
	if err != nil {
		return "", err
	}
	wanted := make(map[string]struct{}, len(msg.ArtifactPaths))
	for _, loc := range msg.ArtifactPaths {
		wanted[loc] = struct{}{}
	}

	var pick string
	for _, loc := range staged {
		if len(wanted) > 0 {
			// Listed artifacts were admitted by mimetype when they were staged.
			if _, ok := wanted[loc]; ok {
				pick = loc
				break
			}
			continue
		}
		if p.isMedia(loc) {
			pick = loc
			break
		}
	}
	if pick == "" {
		return "", ErrNoMedia
	}

	src, err := p.artifacts.Open(ctx, pick)
	if err != nil {
		return "", err
	}
	defer src.Close()

	local := filepath.Join(workDir, "input"+strings.ToLower(filepath.Ext(artifacts.BaseName(pick))))
	dst, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create local input: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("copy %s: %w", pick, err)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	zerolog.Ctx(ctx).Debug().Str("artifact", pick).Msg("fetched input")
	return local, nil
}

func (p *Pipeline) isMedia(locator string) bool {
	if len(p.mediaExts) == 0 {
		return true
	}
	_, ok := p.mediaExts[strings.ToLower(filepath.Ext(artifacts.BaseName(locator)))]
	return ok
}

func (p *Pipeline) transform(ctx context.Context, jobID, input, workDir string) (string, error) {
	out := filepath.Join(workDir, "normalized.wav")
	if err := p.transcoder.ToWAV(ctx, input, out); err != nil {
		return "", err
	}
	f, err := os.Open(out)
	if err != nil {
		return "", fmt.Errorf("open normalized audio: %w", err)
	}
	defer f.Close()
	return p.artifacts.Put(ctx, artifacts.AudioKey(jobID), f, "audio/wav")
}

func (p *Pipeline) persist(ctx context.Context, msg models.QueueMessage, audioURI string, tr recognizer.Transcript) error {
	doc := models.TranscriptDocument{
		JobID:         msg.JobID,
		Text:          tr.Text,
		Language:      tr.Language,
		Operation:     tr.Operation,
		AudioURL:      audioURI,
		ArtifactPaths: msg.ArtifactPaths,
		FileNames:     msg.FileNames,
		Event:         msg.Event,
		CreatedAt:     p.now(),
	}
	for _, s := range tr.Segments {
		doc.Segments = append(doc.Segments, models.TranscriptSegment{Text: s.Text, Confidence: s.Confidence})
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	transcriptURL, err := p.artifacts.Put(ctx, artifacts.TranscriptKey(msg.JobID), bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}

	if err := p.records.Update(ctx, msg.JobID, models.JobUpdate{
		Status: models.StatusSummarizing,
		Result: &models.JobResult{TranscriptURL: transcriptURL},
	}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("record transcript")
	}

	event := msg.Event
	if err := p.deliver(ctx, models.CallbackPayload{
		JobID:         msg.JobID,
		Status:        models.OutcomeSuccess,
		TranscriptURL: transcriptURL,
		Event:         &event,
	}); err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	return nil
}

// fail records the failure and tells someone about it: the reconciler when
// reachable, the conversation otherwise.
func (p *Pipeline) fail(ctx context.Context, msg models.QueueMessage, cause error) {
	logger := zerolog.Ctx(ctx)
	detail := cause.Error()
	if err := p.records.Update(ctx, msg.JobID, models.JobUpdate{
		Status: models.StatusFailed,
		Error:  models.StringPtr(detail),
	}); err != nil {
		logger.Warn().Err(err).Msg("record failure")
	}

	event := msg.Event
	err := p.deliver(ctx, models.CallbackPayload{
		JobID:  msg.JobID,
		Status: models.OutcomeFailure,
		Error:  detail,
		Event:  &event,
	})
	if err == nil {
		return
	}
	logger.Warn().Err(err).Msg("failure callback not delivered, notifying conversation")

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.NotifyTimeout)
	defer cancel()
	if err := p.notifier.Post(nctx, msg.Event, slack.FailedText(msg.JobID, detail)); err != nil {
		telemetry.NotificationFailures.Inc()
		logger.Warn().Err(err).Msg("notify failure")
	}
}

func (p *Pipeline) deliver(ctx context.Context, payload models.CallbackPayload) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CallbackTimeout)
	defer cancel()
	return p.callbacks.Send(ctx, payload)
}

func (p *Pipeline) advance(ctx context.Context, jobID string, status models.JobStatus, detail string) {
	if err := p.records.Update(ctx, jobID, models.JobUpdate{Status: status, Detail: detail}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("status", string(status)).Msg("advance job status")
	}
}
