// Package transcode normalizes media into the audio format the recognizer expects.
package transcode

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Transcoder converts a media file at source into mono PCM WAV at dest.
type Transcoder interface {
	ToWAV(ctx context.Context, source, dest string) error
}

// FFmpeg shells out to an ffmpeg binary.
type FFmpeg struct {
	Binary     string
	SampleRate int
}

// NewFFmpeg uses binary (default "ffmpeg") at sampleRate (default 16000 Hz).
func NewFFmpeg(binary string, sampleRate int) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &FFmpeg{Binary: binary, SampleRate: sampleRate}
}

func (f *FFmpeg) ToWAV(ctx context.Context, source, dest string) error {
	cmd := exec.CommandContext(ctx, f.Binary, f.args(source, dest)...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg normalize: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (f *FFmpeg) args(source, dest string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", strconv.Itoa(f.SampleRate),
		"-c:a", "pcm_s16le",
		dest,
	}
}
