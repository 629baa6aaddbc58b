// Package knowledgebase creates pages in the team's document store.
package knowledgebase

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

// Block is one piece of page content.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PageRequest is a page to create under the configured parent.
type PageRequest struct {
	Title  string
	Blocks []Block
	// Properties are stored as page metadata.
	Properties map[string]string
}

// Page is a created page.
type Page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publisher creates pages.
type Publisher interface {
	CreatePage(ctx context.Context, page PageRequest) (Page, error)
}

// Client is the HTTP knowledge-base client.
type Client struct {
	baseURL    string
	token      string
	parentID   string
	httpClient *http.Client
}

// NewClient builds a client that files pages under parentID.
func NewClient(baseURL, token, parentID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		parentID:   strings.TrimSpace(parentID),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createPageRequest struct {
	Parent     map[string]string `json:"parent,omitempty"`
	Title      string            `json:"title"`
	Properties map[string]string `json:"properties,omitempty"`
	Blocks     []Block           `json:"blocks"`
}

func (c *Client) CreatePage(ctx context.Context, page PageRequest) (Page, error) {
	if page.Title == "" {
		return Page{}, errors.New("create page: title required")
	}
	body := createPageRequest{
		Title:      page.Title,
		Properties: page.Properties,
		Blocks:     page.Blocks,
	}
	if c.parentID != "" {
		body.Parent = map[string]string{"page_id": c.parentID}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Page{}, fmt.Errorf("encode page: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/pages", bytes.NewReader(payload))
	if err != nil {
		return Page{}, fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("create page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, fmt.Errorf("create page: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Page
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Page{}, fmt.Errorf("decode page: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return Page{}, errors.New("create page: response missing id or url")
	}
	return out, nil
}
