package models

import (
	"time"
)

// JobStatus enumerates the lifecycle states persisted for a job.
type JobStatus string

const (
	StatusPending         JobStatus = "pending"
	StatusProcessingAudio JobStatus = "processing_audio"
	StatusTranscribing    JobStatus = "transcribing"
	StatusSummarizing     JobStatus = "summarizing"
	StatusCompleted       JobStatus = "completed"
	StatusFailed          JobStatus = "failed"
)

// JobRecord is the durable state of one media-to-document job.
type JobRecord struct {
	ID            string     `json:"id"`
	Status        JobStatus  `json:"status"`
	ArtifactPaths []string   `json:"gcsPaths"`
	FileNames     []string   `json:"fileNames"`
	Event         SlackEvent `json:"slackEvent"`
	Error         *string    `json:"error,omitempty"`
	Result        *JobResult `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// JobResult collects the locators produced for a job. Updates merge field by field.
type JobResult struct {
	TranscriptURL string `json:"transcriptUrl,omitempty"`
	SummaryURL    string `json:"summaryUrl,omitempty"`
	DocumentID    string `json:"documentId,omitempty"`
	DocumentURL   string `json:"documentUrl,omitempty"`
}

// Merge overlays the non-empty fields of other onto r.
func (r JobResult) Merge(other JobResult) JobResult {
	if other.TranscriptURL != "" {
		r.TranscriptURL = other.TranscriptURL
	}
	if other.SummaryURL != "" {
		r.SummaryURL = other.SummaryURL
	}
	if other.DocumentID != "" {
		r.DocumentID = other.DocumentID
	}
	if other.DocumentURL != "" {
		r.DocumentURL = other.DocumentURL
	}
	return r
}

// JobMetadata is supplied when a record is created.
type JobMetadata struct {
	ArtifactPaths []string
	FileNames     []string
	Event         SlackEvent
	Error         string
}

// JobUpdate is a partial mutation. Nil fields are left untouched.
type JobUpdate struct {
	Status JobStatus
	Error  *string
	Result *JobResult
	// Detail is recorded in the audit trail only.
	Detail string
}

// AuditEntry records one accepted mutation of a job record.
type AuditEntry struct {
	JobID    string    `json:"jobId"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recordedAt"`
}

// QueueMessage is published once per dispatched job.
type QueueMessage struct {
	JobID         string       `json:"jobId"`
	ArtifactPaths []string     `json:"gcsPaths"`
	FileNames     []string     `json:"fileNames"`
	Event         EventContext `json:"slackEvent"`
}

// Callback outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// CallbackPayload is the worker's report of a job outcome.
type CallbackPayload struct {
	JobID         string        `json:"jobId"`
	Status        string        `json:"status"`
	TranscriptURL string        `json:"transcriptUrl,omitempty"`
	Error         string        `json:"error,omitempty"`
	Event         *EventContext `json:"slackEvent,omitempty"`
}

// StringPtr is a small helper for optional string fields.
func StringPtr(v string) *string {
	return &v
}
