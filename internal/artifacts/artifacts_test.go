package artifacts

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalPutOpenList(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	loc, err := store.Put(ctx, InputKey("job-1", "F1", "meeting notes.mp4"), bytes.NewReader([]byte("media")), "video/mp4")
	require.NoError(t, err)
	require.Contains(t, loc, "file://")
	require.Equal(t, "F1-meeting_notes.mp4", BaseName(loc))

	_, err = store.Put(ctx, AudioKey("job-1"), bytes.NewReader([]byte("wav")), "audio/wav")
	require.NoError(t, err)

	rc, err := store.Open(ctx, loc)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "media", string(body))

	inputs, err := store.List(ctx, InputPrefix("job-1"))
	require.NoError(t, err)
	require.Equal(t, []string{loc}, inputs)

	none, err := store.List(ctx, InputPrefix("job-unknown"))
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestLocalRejectsForeignLocators(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "file:///etc/passwd")
	require.Error(t, err)
	_, err = store.Open(context.Background(), "s3://bucket/key")
	require.Error(t, err)
}

func TestLocalOpenMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir)
	require.NoError(t, err)

	loc, err := store.Put(context.Background(), "jobs/x/a.txt", bytes.NewReader(nil), "")
	require.NoError(t, err)
	_, err = store.Open(context.Background(), loc+".missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeyTraversalIsContained(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	loc, err := store.Put(context.Background(), "../../escape.txt", bytes.NewReader([]byte("x")), "")
	require.NoError(t, err)
	_, err = store.Open(context.Background(), loc)
	require.NoError(t, err)
}

func TestParseS3Locator(t *testing.T) {
	bucket, key, err := parseS3Locator("s3://media/jobs/1/input/F1-a.mp4")
	require.NoError(t, err)
	require.Equal(t, "media", bucket)
	require.Equal(t, "jobs/1/input/F1-a.mp4", key)

	_, _, err = parseS3Locator("s3://media")
	require.Error(t, err)
	_, _, err = parseS3Locator("gs://media/x")
	require.Error(t, err)
}

func TestKeys(t *testing.T) {
	require.Equal(t, "jobs/j/input/", InputPrefix("j"))
	require.Equal(t, "jobs/j/audio/normalized.wav", AudioKey("j"))
	require.Equal(t, "jobs/j/transcript/transcript.json", TranscriptKey("j"))
	require.Equal(t, "jobs/j/summary/summary.json", SummaryKey("j"))
}
