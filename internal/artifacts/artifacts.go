// Package artifacts stages job inputs and outputs in blob storage.
//
// Objects are addressed by key on write and by locator afterwards. Locators are
// the strings recorded on job records and queue messages: s3://bucket/key for S3
// and file:///abs/path for the local backend.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"media-transcript-pipeline/internal/config"
)

// ErrNotFound is returned when a locator does not resolve to an object.
var ErrNotFound = errors.New("artifact not found")

// Store is the blob storage used for staged media, audio and documents.
type Store interface {
	// Put writes body under key and returns its locator.
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error)
	// Open streams the object behind locator.
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	// List returns the locators of every object under prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]string, error)
}

// New picks S3 when a bucket is configured and the local filesystem otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactBucket != "" {
		return NewS3(ctx, cfg)
	}
	baseDir := cfg.ArtifactLocalDir
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return NewLocal(baseDir)
}

// InputPrefix holds the media staged for a job.
func InputPrefix(jobID string) string {
	return path.Join("jobs", jobID, "input") + "/"
}

// InputKey is where one attachment is staged.
func InputKey(jobID, fileID, name string) string {
	return InputPrefix(jobID) + sanitizeName(fileID+"-"+name)
}

// AudioKey is the normalized audio for a job.
func AudioKey(jobID string) string {
	return path.Join("jobs", jobID, "audio", "normalized.wav")
}

// TranscriptKey is the transcript document for a job.
func TranscriptKey(jobID string) string {
	return path.Join("jobs", jobID, "transcript", "transcript.json")
}

// SummaryKey is the summary document for a job.
func SummaryKey(jobID string) string {
	return path.Join("jobs", jobID, "summary", "summary.json")
}

// BaseName returns the last path element of a locator or key.
func BaseName(locator string) string {
	return path.Base(strings.TrimSuffix(locator, "/"))
}

func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return replacer.Replace(name)
}

func sanitizeKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return cleaned, nil
}
