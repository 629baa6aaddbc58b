// Package dispatch turns an accepted chat event into a queued job.
//
// Validation happens synchronously so the caller can answer the webhook with a
// precise status. Staging, record creation and publishing run later as a
// background task.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/artifacts"
	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/slack"
	"media-transcript-pipeline/internal/store"
	"media-transcript-pipeline/internal/telemetry"
)

// DefaultMaxFileBytes is the largest attachment accepted (1 GiB).
const DefaultMaxFileBytes int64 = 1_073_741_824

var (
	ErrNoFiles          = errors.New("event has no files")
	ErrFileTooLarge     = errors.New("file exceeds size limit")
	ErrUnsupportedMedia = errors.New("no audio or video attachments")
)

// ValidationError explains why an event was rejected before any job existed.
type ValidationError struct {
	Err   error
	File  models.SlackFile
	Limit int64
}

func (e *ValidationError) Error() string {
	if errors.Is(e.Err, ErrFileTooLarge) {
		return fmt.Sprintf("%s: %s is %d bytes (limit %d)", e.Err, e.File.DisplayName(), e.File.Size, e.Limit)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UserMessage is the text posted back into the conversation.
func (e *ValidationError) UserMessage() string {
	switch {
	case errors.Is(e.Err, ErrFileTooLarge):
		return slack.FileTooLargeText(e.File.DisplayName(), e.File.Size, e.Limit)
	default:
		return slack.UnsupportedMediaText()
	}
}

// Publisher hands a job to the worker fleet.
type Publisher interface {
	Publish(ctx context.Context, msg models.QueueMessage) error
}

// Job is a validated event waiting to be staged.
type Job struct {
	ID    string
	Event models.SlackEvent
	Files []models.SlackFile
}

// Options tune a Dispatcher.
type Options struct {
	MaxFileBytes  int64
	WorkDir       string
	NotifyTimeout time.Duration
}

// Dispatcher validates, stages and publishes jobs.
type Dispatcher struct {
	records    store.JobRecords
	artifacts  artifacts.Store
	publisher  Publisher
	downloader slack.Downloader
	notifier   slack.Notifier
	opts       Options
	newID      func() string
}

// New builds a Dispatcher.
func New(records store.JobRecords, blobs artifacts.Store, publisher Publisher, downloader slack.Downloader, notifier slack.Notifier, opts Options) *Dispatcher {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	return &Dispatcher{
		records:    records,
		artifacts:  blobs,
		publisher:  publisher,
		downloader: downloader,
		notifier:   notifier,
		opts:       opts,
		newID:      uuid.NewString,
	}
}

// Prepare validates ev and assigns a job id. It has no side effects.
func (d *Dispatcher) Prepare(ev models.SlackEvent) (Job, error) {
	if len(ev.Files) == 0 {
		return Job{}, &ValidationError{Err: ErrNoFiles}
	}
	for _, f := range ev.Files {
		if f.Size > d.opts.MaxFileBytes {
			return Job{}, &ValidationError{Err: ErrFileTooLarge, File: f, Limit: d.opts.MaxFileBytes}
		}
	}
	media := ev.MediaFiles()
	if len(media) == 0 {
		return Job{}, &ValidationError{Err: ErrUnsupportedMedia}
	}
	return Job{ID: d.newID(), Event: ev, Files: media}, nil
}

// Reject tells the conversation why its event was not processed.
func (d *Dispatcher) Reject(ctx context.Context, ev models.SlackEvent, err error) error {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.NotifyTimeout)
	defer cancel()
	return d.notifier.Post(ctx, ev.Context(), verr.UserMessage())
}

// Dispatch stages every media file, records the job and publishes it.
// Staging failure creates the record directly in failed; publish failure moves it there.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	logger := log.With().Str("job_id", job.ID).Str("channel", job.Event.Channel).Str("event_id", job.Event.EventID).Logger()

	paths := make([]string, 0, len(job.Files))
	names := make([]string, 0, len(job.Files))
	for _, f := range job.Files {
		loc, err := d.stage(ctx, job.ID, f)
		if err != nil {
			detail := fmt.Sprintf("stage artifacts: %v", err)
			logger.Error().Err(err).Str("file_id", f.ID).Msg("staging failed")
			telemetry.DispatchFailures.Inc()
			if cerr := d.records.Create(ctx, job.ID, models.StatusFailed, models.JobMetadata{
				ArtifactPaths: paths,
				FileNames:     names,
				Event:         job.Event,
				Error:         detail,
			}); cerr != nil {
				logger.Warn().Err(cerr).Msg("record failed job")
			}
			d.notify(ctx, job.Event.Context(), slack.FailedText(job.ID, detail))
			return fmt.Errorf("dispatch %s: %w", job.ID, err)
		}
		paths = append(paths, loc)
		names = append(names, f.DisplayName())
	}

	if err := d.records.Create(ctx, job.ID, models.StatusPending, models.JobMetadata{
		ArtifactPaths: paths,
		FileNames:     names,
		Event:         job.Event,
	}); err != nil {
		logger.Warn().Err(err).Msg("create job record")
	}

	msg := models.QueueMessage{
		JobID:         job.ID,
		ArtifactPaths: paths,
		FileNames:     names,
		Event:         job.Event.Context(),
	}
	if err := d.publisher.Publish(ctx, msg); err != nil {
		detail := fmt.Sprintf("publish: %v", err)
		logger.Error().Err(err).Msg("publish failed")
		telemetry.DispatchFailures.Inc()
		if uerr := d.records.Update(ctx, job.ID, models.JobUpdate{
			Status: models.StatusFailed,
			Error:  models.StringPtr(detail),
		}); uerr != nil {
			logger.Warn().Err(uerr).Msg("record publish failure")
		}
		d.notify(ctx, job.Event.Context(), slack.FailedText(job.ID, detail))
		return fmt.Errorf("dispatch %s: %w", job.ID, err)
	}

	telemetry.JobsDispatched.Inc()
	logger.Info().Strs("files", names).Msg("job dispatched")
	return nil
}

// stage downloads one file to local disk and uploads it under the job's input prefix.
func (d *Dispatcher) stage(ctx context.Context, jobID string, f models.SlackFile) (string, error) {
	url := f.DownloadURL()
	if url == "" {
		return "", fmt.Errorf("file %s has no download url", f.ID)
	}
	tmp, err := os.CreateTemp(d.opts.WorkDir, "stage-"+jobID+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	w := &limitedWriter{w: tmp, remaining: d.opts.MaxFileBytes}
	if err := d.downloader.Download(ctx, url, w); err != nil {
		return "", fmt.Errorf("download %s: %w", f.ID, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind %s: %w", f.ID, err)
	}
	loc, err := d.artifacts.Put(ctx, artifacts.InputKey(jobID, f.ID, f.StagedName()), tmp, f.Mimetype)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", f.ID, err)
	}
	return loc, nil
}

func (d *Dispatcher) notify(ctx context.Context, conv models.EventContext, text string) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.NotifyTimeout)
	defer cancel()
	if err := d.notifier.Post(ctx, conv, text); err != nil {
		telemetry.NotificationFailures.Inc()
		log.Warn().Err(err).Str("channel", conv.Channel).Msg("notification failed")
	}
}

// limitedWriter fails once more than remaining bytes are written, guarding
// against attachments whose advertised size was wrong.
type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, ErrFileTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

// RetryRequest re-supplies event fields for a manual retry. Empty fields fall
// back to the previous job's snapshot.
type RetryRequest struct {
	Channel  string             `json:"channel"`
	User     string             `json:"user"`
	TS       string             `json:"ts"`
	ThreadTS string             `json:"threadTs"`
	TeamID   string             `json:"teamId"`
	Files    []models.SlackFile `json:"files"`
}

// PrepareRetry builds a fresh job from a previous one. The new job never reuses the old id.
func (d *Dispatcher) PrepareRetry(ctx context.Context, previousID string, req RetryRequest) (Job, error) {
	var base models.SlackEvent
	rec, err := d.records.Get(ctx, previousID)
	switch {
	case err == nil:
		base = rec.Event
	case errors.Is(err, store.ErrNotFound):
		if req.Channel == "" || len(req.Files) == 0 {
			return Job{}, fmt.Errorf("retry %s: %w", previousID, err)
		}
	default:
		log.Warn().Err(err).Str("job_id", previousID).Msg("load job for retry")
		if req.Channel == "" || len(req.Files) == 0 {
			return Job{}, fmt.Errorf("retry %s: %w", previousID, err)
		}
	}
	return d.Prepare(mergeRetry(base, req))
}

func mergeRetry(base models.SlackEvent, req RetryRequest) models.SlackEvent {
	ev := base
	if ev.Type == "" {
		ev.Type = "message"
	}
	if v := strings.TrimSpace(req.Channel); v != "" {
		ev.Channel = v
	}
	if v := strings.TrimSpace(req.User); v != "" {
		ev.User = v
	}
	if v := strings.TrimSpace(req.TS); v != "" {
		ev.TS = v
	}
	if v := strings.TrimSpace(req.ThreadTS); v != "" {
		ev.ThreadTS = v
	}
	if v := strings.TrimSpace(req.TeamID); v != "" {
		ev.TeamID = v
	}
	if len(req.Files) > 0 {
		ev.Files = req.Files
	}
	return ev
}
