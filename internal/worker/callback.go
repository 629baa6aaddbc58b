package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"media-transcript-pipeline/internal/models"
)

// CallbackSender reports a job outcome to the reconciler.
type CallbackSender interface {
	Send(ctx context.Context, payload models.CallbackPayload) error
}

// CallbackFunc delivers callbacks in-process.
type CallbackFunc func(ctx context.Context, payload models.CallbackPayload) error

func (f CallbackFunc) Send(ctx context.Context, payload models.CallbackPayload) error {
	return f(ctx, payload)
}

// HTTPCallback posts callbacks to the API's callback endpoint.
type HTTPCallback struct {
	url    string
	client *http.Client
}

// NewHTTPCallback targets url with the given timeout.
func NewHTTPCallback(url string, timeout time.Duration) *HTTPCallback {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPCallback{url: url, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPCallback) Send(ctx context.Context, payload models.CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post callback: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
