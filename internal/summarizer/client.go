// Package summarizer calls the external summarization service.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Summary is the structured document produced from a transcript.
type Summary struct {
	Title       string   `json:"title"`
	Overview    string   `json:"summary"`
	KeyPoints   []string `json:"keyPoints,omitempty"`
	ActionItems []string `json:"actionItems,omitempty"`
}

// Summarizer condenses a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, jobID, transcript string) (Summary, error)
}

// Client is the HTTP summarizer.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client; a zero timeout falls back to 60s.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type summarizeRequest struct {
	JobID      string `json:"jobId"`
	Transcript string `json:"transcript"`
}

func (c *Client) Summarize(ctx context.Context, jobID, transcript string) (Summary, error) {
	if strings.TrimSpace(transcript) == "" {
		return Summary{}, errors.New("summarize: empty transcript")
	}
	payload, err := json.Marshal(summarizeRequest{JobID: jobID, Transcript: transcript})
	if err != nil {
		return Summary{}, fmt.Errorf("encode summarize request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/summarize", bytes.NewReader(payload))
	if err != nil {
		return Summary{}, fmt.Errorf("build summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Summary{}, fmt.Errorf("summarize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Summary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	if out.Overview == "" {
		return Summary{}, errors.New("summarize: response missing summary")
	}
	return out, nil
}
