// Package reconcile turns a worker callback into a finished document and a
// message in the originating conversation.
//
// Reconciliation never retries on its own. A failure at any step is reported to
// the conversation and recorded on the job; recovery is a manual retry.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/artifacts"
	"media-transcript-pipeline/internal/idempotency"
	"media-transcript-pipeline/internal/knowledgebase"
	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/slack"
	"media-transcript-pipeline/internal/store"
	"media-transcript-pipeline/internal/summarizer"
	"media-transcript-pipeline/internal/telemetry"
)

// Outcome is reported back to the callback sender.
type Outcome string

const (
	Reconciled Outcome = "reconciled"
	Duplicate  Outcome = "duplicate_callback_skipped"
)

// ErrInvalidCallback marks payloads without a job id or with an unknown status.
var ErrInvalidCallback = errors.New("invalid callback payload")

// Options tune a Reconciler.
type Options struct {
	IdempotencyTTL time.Duration
	NotifyTimeout  time.Duration
}

// Reconciler finishes jobs the worker handed off.
type Reconciler struct {
	records    store.JobRecords
	idem       idempotency.Store
	artifacts  artifacts.Store
	summarizer summarizer.Summarizer
	publisher  knowledgebase.Publisher
	notifier   slack.Notifier
	opts       Options
	now        func() time.Time
}

// New builds a Reconciler.
func New(records store.JobRecords, idem idempotency.Store, blobs artifacts.Store, sum summarizer.Summarizer, pub knowledgebase.Publisher, notifier slack.Notifier, opts Options) *Reconciler {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = idempotency.DefaultTTL
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	return &Reconciler{
		records:    records,
		idem:       idem,
		artifacts:  blobs,
		summarizer: sum,
		publisher:  pub,
		notifier:   notifier,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile applies one callback. Callbacks for a job that is already settled,
// or for an outcome already seen, are skipped. The record check and the key mark
// are separate steps, so two simultaneous deliveries can still both pass.
func (r *Reconciler) Reconcile(ctx context.Context, p models.CallbackPayload) (Outcome, error) {
	if p.JobID == "" {
		return "", fmt.Errorf("%w: jobId is required", ErrInvalidCallback)
	}
	if p.Status != models.OutcomeSuccess && p.Status != models.OutcomeFailure {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, p.Status)
	}

	logger := log.With().Str("job_id", p.JobID).Str("outcome", p.Status).Logger()
	ctx = logger.WithContext(ctx)

	rec, recErr := r.records.Get(ctx, p.JobID)
	if recErr == nil && settled(rec.Status, p.Status) {
		logger.Info().Str("status", string(rec.Status)).Msg("job already terminal, skipping callback")
		telemetry.Reconciled.WithLabelValues(string(Duplicate)).Inc()
		return Duplicate, nil
	}
	if recErr != nil {
		logger.Warn().Err(recErr).Msg("load job record, continuing from callback payload")
	}

	seen, err := r.idem.SeenOrMark(ctx, idempotency.CallbackKey(p.JobID, p.Status), r.opts.IdempotencyTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("callback dedup unavailable")
	} else if seen {
		telemetry.Reconciled.WithLabelValues(string(Duplicate)).Inc()
		return Duplicate, nil
	}

	conv := conversation(p, rec)
	if p.Status == models.OutcomeFailure {
		detail := p.Error
		if detail == "" {
			detail = "worker reported failure"
		}
		r.notify(ctx, conv, slack.FailedText(p.JobID, detail))
		if recErr != nil || rec.Status != models.StatusFailed {
			r.update(ctx, p.JobID, models.JobUpdate{Status: models.StatusFailed, Error: models.StringPtr(detail)})
		}
		telemetry.Reconciled.WithLabelValues(models.OutcomeFailure).Inc()
		return Reconciled, nil
	}

	transcriptURL := p.TranscriptURL
	if transcriptURL == "" && rec.Result != nil {
		transcriptURL = rec.Result.TranscriptURL
	}
	if err := r.complete(ctx, p.JobID, transcriptURL, conv); err != nil {
		logger.Error().Err(err).Msg("reconcile failed")
		detail := err.Error()
		r.notify(ctx, conv, slack.FailedText(p.JobID, detail))
		r.update(ctx, p.JobID, models.JobUpdate{Status: models.StatusFailed, Error: models.StringPtr(detail)})
		telemetry.Reconciled.WithLabelValues("error").Inc()
		return Reconciled, nil
	}
	telemetry.Reconciled.WithLabelValues(models.OutcomeSuccess).Inc()
	return Reconciled, nil
}

func (r *Reconciler) complete(ctx context.Context, jobID, transcriptURL string, conv models.EventContext) error {
	if transcriptURL == "" {
		return errors.New("fetch transcript: no transcript locator")
	}
	transcript, err := r.loadTranscript(ctx, transcriptURL)
	if err != nil {
		return fmt.Errorf("fetch transcript: %w", err)
	}

	summary, err := r.summarizer.Summarize(ctx, jobID, transcript.Text)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	doc := models.SummaryDocument{
		JobID:         jobID,
		Title:         summary.Title,
		Summary:       summary.Overview,
		KeyPoints:     summary.KeyPoints,
		ActionItems:   summary.ActionItems,
		TranscriptURL: transcriptURL,
		CreatedAt:     r.now(),
	}
	if doc.Title == "" {
		doc.Title = defaultTitle(transcript)
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	summaryURL, err := r.artifacts.Put(ctx, artifacts.SummaryKey(jobID), bytes.NewReader(body), "application/json")
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	r.update(ctx, jobID, models.JobUpdate{
		Status: models.StatusSummarizing,
		Result: &models.JobResult{TranscriptURL: transcriptURL, SummaryURL: summaryURL},
		Detail: "summary stored",
	})

	page, err := r.publisher.CreatePage(ctx, pageFor(doc, transcript, conv))
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}

	r.update(ctx, jobID, models.JobUpdate{
		Status: models.StatusCompleted,
		Result: &models.JobResult{
			TranscriptURL: transcriptURL,
			SummaryURL:    summaryURL,
			DocumentID:    page.ID,
			DocumentURL:   page.URL,
		},
	})
	r.notify(ctx, conv, slack.CompletedText(jobID, doc.Title, page.URL))
	zerolog.Ctx(ctx).Info().Str("document_url", page.URL).Msg("job completed")
	return nil
}

func (r *Reconciler) loadTranscript(ctx context.Context, locator string) (models.TranscriptDocument, error) {
	rc, err := r.artifacts.Open(ctx, locator)
	if err != nil {
		return models.TranscriptDocument{}, err
	}
	defer rc.Close()
	var doc models.TranscriptDocument
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return models.TranscriptDocument{}, fmt.Errorf("decode transcript: %w", err)
	}
	return doc, nil
}

func (r *Reconciler) update(ctx context.Context, jobID string, upd models.JobUpdate) {
	if err := r.records.Update(ctx, jobID, upd); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("status", string(upd.Status)).Msg("update job record")
	}
}

// notify never fails the caller; undelivered messages are logged and counted.
func (r *Reconciler) notify(ctx context.Context, conv models.EventContext, text string) {
	if conv.Channel == "" {
		zerolog.Ctx(ctx).Warn().Msg("no conversation to notify")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.NotifyTimeout)
	defer cancel()
	if err := r.notifier.Post(ctx, conv, text); err != nil {
		telemetry.NotificationFailures.Inc()
		zerolog.Ctx(ctx).Warn().Err(err).Str("channel", conv.Channel).Msg("notification failed")
	}
}

// settled reports whether a callback with outcome has nothing left to do. The
// worker records its own failures before calling back, so a failed record still
// owes the conversation a failure message.
func settled(current models.JobStatus, outcome string) bool {
	switch current {
	case models.StatusCompleted:
		return true
	case models.StatusFailed:
		return outcome == models.OutcomeSuccess
	}
	return false
}

// conversation prefers the context carried on the callback and falls back to the record.
func conversation(p models.CallbackPayload, rec models.JobRecord) models.EventContext {
	if p.Event != nil && p.Event.Channel != "" {
		return *p.Event
	}
	return rec.Event.Context()
}

func defaultTitle(t models.TranscriptDocument) string {
	if len(t.FileNames) > 0 {
		return "Summary of " + t.FileNames[0]
	}
	return "Transcript summary"
}

func pageFor(doc models.SummaryDocument, t models.TranscriptDocument, conv models.EventContext) knowledgebase.PageRequest {
	blocks := []knowledgebase.Block{
		{Type: "heading", Text: "Summary"},
		{Type: "paragraph", Text: doc.Summary},
	}
	if len(doc.KeyPoints) > 0 {
		blocks = append(blocks, knowledgebase.Block{Type: "heading", Text: "Key points"})
		for _, kp := range doc.KeyPoints {
			blocks = append(blocks, knowledgebase.Block{Type: "bullet", Text: kp})
		}
	}
	if len(doc.ActionItems) > 0 {
		blocks = append(blocks, knowledgebase.Block{Type: "heading", Text: "Action items"})
		for _, ai := range doc.ActionItems {
			blocks = append(blocks, knowledgebase.Block{Type: "todo", Text: ai})
		}
	}
	blocks = append(blocks,
		knowledgebase.Block{Type: "heading", Text: "Transcript"},
		knowledgebase.Block{Type: "paragraph", Text: t.Text},
	)
	return knowledgebase.PageRequest{
		Title:  doc.Title,
		Blocks: blocks,
		Properties: map[string]string{
			"jobId":      doc.JobID,
			"channel":    conv.Channel,
			"transcript": doc.TranscriptURL,
		},
	}
}
