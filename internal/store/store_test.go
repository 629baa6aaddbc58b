package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"media-transcript-pipeline/internal/models"
)

func backends(t *testing.T) map[string]JobRecords {
	t.Helper()
	sqlite, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]JobRecords{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func sampleMeta() models.JobMetadata {
	return models.JobMetadata{
		ArtifactPaths: []string{"file:///tmp/jobs/J1/input/F1-call.mp4"},
		FileNames:     []string{"call.mp4"},
		Event: models.SlackEvent{
			EventID: "E1",
			Type:    "message",
			Channel: "C1",
			TS:      "100.1",
			Files:   []models.SlackFile{{ID: "F1", Name: "call.mp4", Mimetype: "video/mp4", Size: 2_000_000}},
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Create(ctx, "J1", models.StatusPending, sampleMeta()))

			rec, err := st.Get(ctx, "J1")
			require.NoError(t, err)
			require.Equal(t, models.StatusPending, rec.Status)
			require.Equal(t, []string{"call.mp4"}, rec.FileNames)
			require.Equal(t, "C1", rec.Event.Channel)
			require.Len(t, rec.Event.Files, 1)
			require.Nil(t, rec.Error)
			require.Nil(t, rec.Result)
			require.False(t, rec.CreatedAt.IsZero())
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Create(ctx, "J1", models.StatusPending, sampleMeta()))
			err := st.Create(ctx, "J1", models.StatusPending, sampleMeta())
			require.ErrorIs(t, err, ErrAlreadyExists)
		})
	}
}

func TestUpdateIsPartialMerge(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Create(ctx, "J1", models.StatusPending, sampleMeta()))

			require.NoError(t, st.Update(ctx, "J1", models.JobUpdate{Status: models.StatusProcessingAudio}))
			require.NoError(t, st.Update(ctx, "J1", models.JobUpdate{Status: models.StatusTranscribing}))
			require.NoError(t, st.Update(ctx, "J1", models.JobUpdate{
				Status: models.StatusSummarizing,
				Result: &models.JobResult{TranscriptURL: "file:///t.json"},
			}))
			require.NoError(t, st.Update(ctx, "J1", models.JobUpdate{
				Status: models.StatusCompleted,
				Result: &models.JobResult{DocumentURL: "https://kb/p1", DocumentID: "p1"},
			}))

			rec, err := st.Get(ctx, "J1")
			require.NoError(t, err)
			require.Equal(t, models.StatusCompleted, rec.Status)
			require.NotNil(t, rec.Result)
			require.Equal(t, "file:///t.json", rec.Result.TranscriptURL)
			require.Equal(t, "https://kb/p1", rec.Result.DocumentURL)
			require.Equal(t, []string{"file:///tmp/jobs/J1/input/F1-call.mp4"}, rec.ArtifactPaths)
			require.Equal(t, "100.1", rec.Event.TS)

			history, err := st.History(ctx, "J1")
			require.NoError(t, err)
			require.Len(t, history, 5)
			require.Equal(t, "created", history[0].Event)
			require.Equal(t, string(models.StatusCompleted), history[4].Event)
		})
	}
}

func TestUpdateRejectsBackwardAndTerminal(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Create(ctx, "J1", models.StatusPending, sampleMeta()))
			require.NoError(t, st.Update(ctx, "J1", models.JobUpdate{Status: models.StatusTranscribing}))

			err := st.Update(ctx, "J1", models.JobUpdate{Status: models.StatusProcessingAudio})
			require.ErrorIs(t, err, ErrInvalidTransition)

			require.NoError(t, st.Update(ctx, "J1", models.JobUpdate{
				Status: models.StatusFailed,
				Error:  models.StringPtr("analyze: boom"),
			}))
			for _, next := range []models.JobStatus{models.StatusPending, models.StatusSummarizing, models.StatusCompleted, models.StatusFailed} {
				err := st.Update(ctx, "J1", models.JobUpdate{Status: next})
				require.ErrorIs(t, err, ErrInvalidTransition, "failed -> %s", next)
			}

			rec, err := st.Get(ctx, "J1")
			require.NoError(t, err)
			require.Equal(t, models.StatusFailed, rec.Status)
			require.NotNil(t, rec.Error)
			require.Equal(t, "analyze: boom", *rec.Error)
		})
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := st.Update(context.Background(), "nope", models.JobUpdate{Status: models.StatusFailed})
			require.ErrorIs(t, err, ErrNotFound)
			_, err = st.Get(context.Background(), "nope")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCreateInFailedState(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			meta := sampleMeta()
			meta.Error = "stage input: artifact store unreachable"
			require.NoError(t, st.Create(ctx, "J2", models.StatusFailed, meta))

			rec, err := st.Get(ctx, "J2")
			require.NoError(t, err)
			require.Equal(t, models.StatusFailed, rec.Status)
			require.Equal(t, meta.Error, *rec.Error)
		})
	}
}

func TestConcurrentUpdatesNeverMoveBackward(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Create(ctx, "J1", models.StatusPending, sampleMeta()))

			sequence := []models.JobStatus{
				models.StatusProcessingAudio,
				models.StatusTranscribing,
				models.StatusSummarizing,
				models.StatusProcessingAudio,
				models.StatusPending,
			}
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := st.Update(ctx, "J1", models.JobUpdate{Status: sequence[i%len(sequence)]})
					if err != nil && !errors.Is(err, ErrInvalidTransition) {
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			history, err := st.History(ctx, "J1")
			require.NoError(t, err)
			prev := models.StatusPending
			for _, h := range history[1:] {
				status := models.JobStatus(h.Event)
				require.True(t, models.CanTransition(prev, status), "%s -> %s", prev, status)
				prev = status
			}
		})
	}
}
