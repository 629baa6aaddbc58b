package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		want bool
	}{
		{name: "pending to processing", from: StatusPending, to: StatusProcessingAudio, want: true},
		{name: "processing to transcribing", from: StatusProcessingAudio, to: StatusTranscribing, want: true},
		{name: "transcribing to summarizing", from: StatusTranscribing, to: StatusSummarizing, want: true},
		{name: "summarizing to completed", from: StatusSummarizing, to: StatusCompleted, want: true},
		{name: "same non-terminal status merges", from: StatusTranscribing, to: StatusTranscribing, want: true},
		{name: "pending to failed", from: StatusPending, to: StatusFailed, want: true},
		{name: "summarizing to failed", from: StatusSummarizing, to: StatusFailed, want: true},
		{name: "backward move", from: StatusTranscribing, to: StatusProcessingAudio, want: false},
		{name: "summarizing back to pending", from: StatusSummarizing, to: StatusPending, want: false},
		{name: "failed is terminal", from: StatusFailed, to: StatusPending, want: false},
		{name: "failed to completed", from: StatusFailed, to: StatusCompleted, want: false},
		{name: "failed to failed", from: StatusFailed, to: StatusFailed, want: false},
		{name: "completed is terminal", from: StatusCompleted, to: StatusFailed, want: false},
		{name: "unknown target", from: StatusPending, to: JobStatus("queued"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPredecessors(t *testing.T) {
	require.ElementsMatch(t,
		[]JobStatus{StatusPending, StatusProcessingAudio, StatusTranscribing, StatusSummarizing},
		Predecessors(StatusFailed))
	require.ElementsMatch(t,
		[]JobStatus{StatusPending, StatusProcessingAudio, StatusTranscribing, StatusSummarizing},
		Predecessors(StatusCompleted))
	require.ElementsMatch(t, []JobStatus{StatusPending}, Predecessors(StatusPending))
}

func TestJobResultMerge(t *testing.T) {
	base := JobResult{TranscriptURL: "s3://b/t.json"}
	merged := base.Merge(JobResult{DocumentURL: "https://kb/p/1", DocumentID: "p1"})

	require.Equal(t, "s3://b/t.json", merged.TranscriptURL)
	require.Equal(t, "p1", merged.DocumentID)
	require.Equal(t, "https://kb/p/1", merged.DocumentURL)
}

func TestEventContextReplyThread(t *testing.T) {
	require.Equal(t, "100.1", EventContext{TS: "100.1"}.ReplyThread())
	require.Equal(t, "99.0", EventContext{TS: "100.1", ThreadTS: "99.0"}.ReplyThread())
}

func TestSlackFileStagedName(t *testing.T) {
	tests := []struct {
		name string
		file SlackFile
		want string
	}{
		{"named file keeps its name", SlackFile{ID: "F1", Name: "standup.mp4", Mimetype: "video/mp4"}, "standup.mp4"},
		{"nameless mp4", SlackFile{ID: "F1", Mimetype: "video/mp4"}, "F1.mp4"},
		{"mimetype parameters", SlackFile{ID: "F2", Mimetype: "audio/ogg; codecs=opus"}, "F2.ogg"},
		{"title without extension", SlackFile{ID: "F3", Title: "voice memo", Mimetype: "audio/mpeg"}, "voice memo.mp3"},
		{"filetype fallback", SlackFile{ID: "F4", Mimetype: "audio/x-unknown", Filetype: "amr"}, "F4.amr"},
		{"nothing to go on", SlackFile{ID: "F5", Mimetype: "audio/x-unknown"}, "F5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.file.StagedName())
		})
	}
}
