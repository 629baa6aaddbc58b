package models

import "time"

// TranscriptSegment is one recognized utterance.
type TranscriptSegment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranscriptDocument is written by the worker's persist stage and read back by the reconciler.
type TranscriptDocument struct {
	JobID         string              `json:"jobId"`
	Text          string              `json:"text"`
	Language      string              `json:"language,omitempty"`
	Operation     string              `json:"operation,omitempty"`
	Segments      []TranscriptSegment `json:"segments,omitempty"`
	AudioURL      string              `json:"audioUrl"`
	ArtifactPaths []string            `json:"gcsPaths"`
	FileNames     []string            `json:"fileNames"`
	Event         EventContext        `json:"slackEvent"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// SummaryDocument is the reconciler's stored summary.
type SummaryDocument struct {
	JobID         string    `json:"jobId"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	KeyPoints     []string  `json:"keyPoints,omitempty"`
	ActionItems   []string  `json:"actionItems,omitempty"`
	TranscriptURL string    `json:"transcriptUrl"`
	CreatedAt     time.Time `json:"createdAt"`
}
