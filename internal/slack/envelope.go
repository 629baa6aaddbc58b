package slack

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slack-go/slack/slackevents"

	"media-transcript-pipeline/internal/models"
)

// ErrMalformedEnvelope marks request bodies that are not a usable Events API envelope.
var ErrMalformedEnvelope = errors.New("malformed event envelope")

// Envelope is the outer Events API body.
type Envelope struct {
	Token     string             `json:"token,omitempty"`
	Type      string             `json:"type"`
	Challenge string             `json:"challenge,omitempty"`
	TeamID    string             `json:"team_id,omitempty"`
	APIAppID  string             `json:"api_app_id,omitempty"`
	EventID   string             `json:"event_id,omitempty"`
	EventTime int64              `json:"event_time,omitempty"`
	Event     *models.SlackEvent `json:"event,omitempty"`
}

// ParseEnvelope decodes body and checks the fields each envelope type needs.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch env.Type {
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	case string(slackevents.URLVerification):
		if env.Challenge == "" {
			return Envelope{}, fmt.Errorf("%w: missing challenge", ErrMalformedEnvelope)
		}
	case string(slackevents.CallbackEvent):
		if env.Event == nil {
			return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
		}
		if env.EventID == "" || env.Event.Channel == "" || env.Event.TS == "" {
			return Envelope{}, fmt.Errorf("%w: event requires event_id, channel and ts", ErrMalformedEnvelope)
		}
	}
	return env, nil
}

// IsURLVerification reports whether the envelope is the endpoint handshake.
func (e Envelope) IsURLVerification() bool {
	return e.Type == string(slackevents.URLVerification)
}

// SlackEvent returns the inner event stamped with the envelope's ids.
func (e Envelope) SlackEvent() models.SlackEvent {
	if e.Event == nil {
		return models.SlackEvent{EventID: e.EventID, TeamID: e.TeamID}
	}
	ev := *e.Event
	ev.EventID = e.EventID
	if ev.TeamID == "" {
		ev.TeamID = e.TeamID
	}
	return ev
}

// Actionable reports whether the envelope is a human message that shared files.
// Bot posts, edits and deletions are ignored so the pipeline never reacts to its own replies.
func (e Envelope) Actionable() bool {
	if e.Type != string(slackevents.CallbackEvent) || e.Event == nil {
		return false
	}
	ev := e.Event
	if ev.Type != string(slackevents.Message) || ev.BotID != "" {
		return false
	}
	if ev.Subtype != "" && ev.Subtype != "file_share" {
		return false
	}
	return len(ev.Files) > 0
}
