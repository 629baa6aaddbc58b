package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-transcript-pipeline/internal/models"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound          = errors.New("job record not found")
	ErrAlreadyExists     = errors.New("job record already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobRecords is the durable job state surface shared by the dispatcher, worker and reconciler.
type JobRecords interface {
	Create(ctx context.Context, id string, status models.JobStatus, meta models.JobMetadata) error
	Update(ctx context.Context, id string, upd models.JobUpdate) error
	Get(ctx context.Context, id string) (models.JobRecord, error)
	History(ctx context.Context, id string) ([]models.AuditEntry, error)
}

func newRecord(id string, status models.JobStatus, meta models.JobMetadata, now time.Time) (models.JobRecord, error) {
	if id == "" {
		return models.JobRecord{}, errors.New("job id is required")
	}
	if !status.Valid() {
		return models.JobRecord{}, fmt.Errorf("unknown status %q", status)
	}
	rec := models.JobRecord{
		ID:            id,
		Status:        status,
		ArtifactPaths: nonNil(meta.ArtifactPaths),
		FileNames:     nonNil(meta.FileNames),
		Event:         meta.Event,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if meta.Error != "" {
		rec.Error = models.StringPtr(meta.Error)
	}
	return rec, nil
}

// applyUpdate merges upd into rec in place, enforcing the transition graph.
func applyUpdate(rec *models.JobRecord, upd models.JobUpdate, now time.Time) error {
	if !models.CanTransition(rec.Status, upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, upd.Status)
	}
	rec.Status = upd.Status
	if upd.Error != nil {
		rec.Error = models.StringPtr(*upd.Error)
	}
	if upd.Result != nil {
		var base models.JobResult
		if rec.Result != nil {
			base = *rec.Result
		}
		merged := base.Merge(*upd.Result)
		rec.Result = &merged
	}
	rec.UpdatedAt = now
	return nil
}

func auditFor(id string, upd models.JobUpdate, now time.Time) models.AuditEntry {
	detail := upd.Detail
	if detail == "" && upd.Error != nil {
		detail = *upd.Error
	}
	return models.AuditEntry{JobID: id, Event: string(upd.Status), Detail: detail, Recorded: now}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
