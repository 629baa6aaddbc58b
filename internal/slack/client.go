package slack

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	slackapi "github.com/slack-go/slack"

	"media-transcript-pipeline/internal/models"
)

// Notifier posts a message into the conversation an event came from.
type Notifier interface {
	Post(ctx context.Context, conv models.EventContext, text string) error
}

// Downloader fetches a private file URL.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) error
}

// Client is the bot-token Web API client. It implements Notifier and Downloader.
type Client struct {
	api *slackapi.Client
}

// NewClient builds a Web API client. apiURL overrides the API base for tests and proxies.
func NewClient(token, apiURL string, httpClient *http.Client) *Client {
	opts := []slackapi.Option{}
	if httpClient != nil {
		opts = append(opts, slackapi.OptionHTTPClient(httpClient))
	}
	if apiURL != "" {
		opts = append(opts, slackapi.OptionAPIURL(strings.TrimSuffix(apiURL, "/")+"/"))
	}
	return &Client{api: slackapi.New(token, opts...)}
}

// Post replies in the event's thread.
func (c *Client) Post(ctx context.Context, conv models.EventContext, text string) error {
	if conv.Channel == "" {
		return fmt.Errorf("post message: missing channel")
	}
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if thread := conv.ReplyThread(); thread != "" {
		opts = append(opts, slackapi.MsgOptionTS(thread))
	}
	if _, _, err := c.api.PostMessageContext(ctx, conv.Channel, opts...); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

// Download streams a url_private file using the bot token.
func (c *Client) Download(ctx context.Context, url string, w io.Writer) error {
	if url == "" {
		return fmt.Errorf("download file: empty url")
	}
	if err := c.api.GetFileContext(ctx, url, w); err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	return nil
}

// LogNotifier writes messages to the log instead of Slack; used when no bot token is configured.
type LogNotifier struct{}

func (LogNotifier) Post(_ context.Context, conv models.EventContext, text string) error {
	log.Info().Str("channel", conv.Channel).Str("thread_ts", conv.ReplyThread()).Msg(text)
	return nil
}
