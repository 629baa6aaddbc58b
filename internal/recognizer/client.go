// Package recognizer talks to a long-running speech recognition API.
//
// Recognition is submitted as an operation and polled until done. Polling uses
// exponential backoff capped by an overall analyze timeout, which is separate
// from any end-to-end job deadline.
package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

const (
	defaultAnalyzeTimeout = 20 * time.Minute
	defaultPollInitial    = 2 * time.Second
	defaultPollMax        = 30 * time.Second
)

var errNotDone = errors.New("operation still running")

// Request describes the audio to recognize.
type Request struct {
	AudioURI     string
	SampleRate   int
	LanguageCode string
}

// Segment is one recognized utterance.
type Segment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcript is the completed recognition result.
type Transcript struct {
	Operation string    `json:"operation"`
	Language  string    `json:"language"`
	Text      string    `json:"text"`
	Segments  []Segment `json:"segments"`
}

// Recognizer turns normalized audio into text.
type Recognizer interface {
	Recognize(ctx context.Context, req Request) (Transcript, error)
}

// Client is the HTTP long-running operation client.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	analyzeTimeout time.Duration
	pollInitial    time.Duration
	pollMax        time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithPolling overrides the poll backoff bounds.
func WithPolling(initial, max time.Duration) Option {
	return func(c *Client) {
		c.pollInitial = initial
		c.pollMax = max
	}
}

// WithAnalyzeTimeout bounds the whole submit-and-poll cycle.
func WithAnalyzeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.analyzeTimeout = d
	}
}

// NewClient builds a client for the API at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:         strings.TrimSpace(apiKey),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		analyzeTimeout: defaultAnalyzeTimeout,
		pollInitial:    defaultPollInitial,
		pollMax:        defaultPollMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.analyzeTimeout <= 0 {
		c.analyzeTimeout = defaultAnalyzeTimeout
	}
	if c.pollInitial <= 0 {
		c.pollInitial = defaultPollInitial
	}
	if c.pollMax < c.pollInitial {
		c.pollMax = c.pollInitial
	}
	return c
}

type recognizeRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  recognitionAudio  `json:"audio"`
}

type recognitionConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	AudioChannelCount          int    `json:"audioChannelCount"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
}

type recognitionAudio struct {
	URI string `json:"uri"`
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		Results []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
			LanguageCode string `json:"languageCode"`
		} `json:"results"`
	} `json:"response,omitempty"`
}

// Recognize submits the audio and blocks until the operation finishes, fails or times out.
func (c *Client) Recognize(ctx context.Context, req Request) (Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, c.analyzeTimeout)
	defer cancel()

	body := recognizeRequest{
		Config: recognitionConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            req.SampleRate,
			AudioChannelCount:          1,
			LanguageCode:               req.LanguageCode,
			EnableAutomaticPunctuation: true,
		},
		Audio: recognitionAudio{URI: req.AudioURI},
	}
	var op operation
	if err := c.do(ctx, http.MethodPost, "/v1/speech:longrunningrecognize", body, &op); err != nil {
		return Transcript{}, fmt.Errorf("submit recognition: %w", err)
	}
	if op.Name == "" {
		return Transcript{}, errors.New("submit recognition: response missing operation name")
	}
	log.Debug().Str("operation", op.Name).Str("audio", req.AudioURI).Msg("recognition submitted")

	if !op.Done {
		polled, err := c.await(ctx, op.Name)
		if err != nil {
			return Transcript{}, err
		}
		op = polled
	}
	return toTranscript(op, req.LanguageCode)
}

func (c *Client) await(ctx context.Context, name string) (operation, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInitial
	policy.MaxInterval = c.pollMax

	poll := func() (operation, error) {
		var op operation
		err := c.do(ctx, http.MethodGet, "/v1/operations/"+url.PathEscape(name), nil, &op)
		if err != nil {
			return op, err
		}
		if !op.Done {
			return op, errNotDone
		}
		return op, nil
	}
	op, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(c.analyzeTimeout),
	)
	if err != nil {
		if errors.Is(err, errNotDone) || errors.Is(err, context.DeadlineExceeded) {
			return operation{}, fmt.Errorf("recognition %s did not finish within %s", name, c.analyzeTimeout)
		}
		return operation{}, fmt.Errorf("poll recognition %s: %w", name, err)
	}
	return op, nil
}

func toTranscript(op operation, lang string) (Transcript, error) {
	if op.Error != nil {
		return Transcript{}, fmt.Errorf("recognition %s failed: %s (code %d)", op.Name, op.Error.Message, op.Error.Code)
	}
	out := Transcript{Operation: op.Name, Language: lang}
	if op.Response == nil {
		return out, nil
	}
	parts := make([]string, 0, len(op.Response.Results))
	for _, r := range op.Response.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		best := r.Alternatives[0]
		text := strings.TrimSpace(best.Transcript)
		if text == "" {
			continue
		}
		if r.LanguageCode != "" {
			out.Language = r.LanguageCode
		}
		out.Segments = append(out.Segments, Segment{Text: text, Confidence: best.Confidence})
		parts = append(parts, text)
	}
	out.Text = strings.Join(parts, " ")
	return out, nil
}

// do sends a JSON request. 4xx answers are permanent; 5xx and transport errors are retried by callers that poll.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
