package models

import (
	"path"
	"strings"
)

// SlackFile is the subset of a Slack file object the pipeline relies on.
type SlackFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	Title              string `json:"title,omitempty"`
	Mimetype           string `json:"mimetype,omitempty"`
	Filetype           string `json:"filetype,omitempty"`
	Size               int64  `json:"size"`
	URLPrivate         string `json:"url_private,omitempty"`
	URLPrivateDownload string `json:"url_private_download,omitempty"`
}

// IsMedia reports whether the file looks like audio or video.
func (f SlackFile) IsMedia() bool {
	mt := strings.ToLower(f.Mimetype)
	return strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/")
}

// DownloadURL prefers the direct download link.
func (f SlackFile) DownloadURL() string {
	if f.URLPrivateDownload != "" {
		return f.URLPrivateDownload
	}
	return f.URLPrivate
}

// DisplayName returns a non-empty name for messages and artifact keys.
func (f SlackFile) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	if f.Title != "" {
		return f.Title
	}
	return f.ID
}

// mediaExtensions maps media mimetypes to the extension a staged copy carries.
var mediaExtensions = map[string]string{
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
	"video/3gpp":       ".3gp",
	"video/x-m4v":      ".m4v",
	"audio/mpeg":       ".mp3",
	"audio/mp3":        ".mp3",
	"audio/mp4":        ".m4a",
	"audio/x-m4a":      ".m4a",
	"audio/aac":        ".aac",
	"audio/wav":        ".wav",
	"audio/x-wav":      ".wav",
	"audio/wave":       ".wav",
	"audio/ogg":        ".ogg",
	"audio/opus":       ".opus",
	"audio/webm":       ".webm",
	"audio/flac":       ".flac",
	"audio/x-flac":     ".flac",
}

// StagedName is DisplayName with an extension derived from the mimetype or
// filetype appended when the name has none.
func (f SlackFile) StagedName() string {
	name := f.DisplayName()
	if path.Ext(name) != "" {
		return name
	}
	mt := strings.ToLower(strings.TrimSpace(f.Mimetype))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := mediaExtensions[mt]; ok {
		return name + ext
	}
	if ft := strings.ToLower(f.Filetype); ft != "" && ft != "binary" {
		return name + "." + ft
	}
	return name
}

// SlackEvent is the snapshot of the triggering event stored on the job record.
type SlackEvent struct {
	EventID  string      `json:"event_id,omitempty"`
	TeamID   string      `json:"team_id,omitempty"`
	Type     string      `json:"type"`
	Subtype  string      `json:"subtype,omitempty"`
	Channel  string      `json:"channel"`
	User     string      `json:"user,omitempty"`
	BotID    string      `json:"bot_id,omitempty"`
	Text     string      `json:"text,omitempty"`
	TS       string      `json:"ts"`
	ThreadTS string      `json:"thread_ts,omitempty"`
	EventTS  string      `json:"event_ts,omitempty"`
	Files    []SlackFile `json:"files,omitempty"`
}

// Context reduces the snapshot to what the worker and reconciler need.
func (e SlackEvent) Context() EventContext {
	return EventContext{
		EventID:  e.EventID,
		TeamID:   e.TeamID,
		Channel:  e.Channel,
		User:     e.User,
		TS:       e.TS,
		ThreadTS: e.ThreadTS,
	}
}

// MediaFiles returns the audio/video attachments in order.
func (e SlackEvent) MediaFiles() []SlackFile {
	out := make([]SlackFile, 0, len(e.Files))
	for _, f := range e.Files {
		if f.IsMedia() {
			out = append(out, f)
		}
	}
	return out
}

// EventContext is the minimal conversation context carried on queue messages and callbacks.
type EventContext struct {
	EventID  string `json:"eventId,omitempty"`
	TeamID   string `json:"teamId,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"threadTs,omitempty"`
}

// ReplyThread is the thread replies should land in: the existing thread, or the message itself.
func (c EventContext) ReplyThread() string {
	if c.ThreadTS != "" {
		return c.ThreadTS
	}
	return c.TS
}
