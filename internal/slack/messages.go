package slack

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// FileTooLargeText tells the user which attachment exceeded the limit.
func FileTooLargeText(name string, size, limit int64) string {
	return fmt.Sprintf(":warning: `%s` is %s, which is over the %s limit. Nothing was processed.",
		name, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit)))
}

// UnsupportedMediaText is posted when no attachment is audio or video.
func UnsupportedMediaText() string {
	return ":warning: None of the attached files are audio or video, so there is nothing to transcribe."
}

// FailedText reports a job failure with its error detail.
func FailedText(jobID, detail string) string {
	return fmt.Sprintf(":x: Processing failed for job `%s`: %s", jobID, detail)
}

// CompletedText links the finished document.
func CompletedText(jobID, title, documentURL string) string {
	if title == "" {
		title = "Transcript summary"
	}
	return fmt.Sprintf(":white_check_mark: *%s* is ready: %s (job `%s`)", title, documentURL, jobID)
}
