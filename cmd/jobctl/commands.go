package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-transcript-pipeline/internal/dispatch"
	"media-transcript-pipeline/internal/idempotency"
	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/queue"
	"media-transcript-pipeline/internal/store"
)

type GetCmd struct {
	ID string `arg:"" help:"Job id"`
}

func (g *GetCmd) Run(ctx context.Context, globals *Globals) error {
	backend, err := store.Open(ctx, globals.Config)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer backend.Close()

	rec, err := backend.Records.Get(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("get %s: %w", g.ID, err)
	}
	history, err := backend.Records.History(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("history %s: %w", g.ID, err)
	}
	fmt.Println(renderTable([]string{"Field", "Value"}, recordRows(rec)))
	fmt.Println(renderTable([]string{"When", "Event", "Detail"}, historyRows(history)))
	return nil
}

func recordRows(rec models.JobRecord) [][]string {
	rows := [][]string{
		{"id", rec.ID},
		{"status", string(rec.Status)},
		{"channel", rec.Event.Channel},
		{"thread", rec.Event.Context().ReplyThread()},
		{"files", strings.Join(rec.FileNames, ", ")},
		{"artifacts", strings.Join(rec.ArtifactPaths, "\n")},
		{"created", humanize.Time(rec.CreatedAt)},
		{"updated", humanize.Time(rec.UpdatedAt)},
	}
	if rec.Error != nil {
		rows = append(rows, []string{"error", *rec.Error})
	}
	if rec.Result != nil {
		rows = append(rows,
			[]string{"transcript", rec.Result.TranscriptURL},
			[]string{"summary", rec.Result.SummaryURL},
			[]string{"document", rec.Result.DocumentURL},
		)
	}
	return rows
}

func historyRows(entries []models.AuditEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Recorded.Format(time.RFC3339), e.Event, e.Detail})
	}
	return rows
}

type DLQCmd struct {
	Limit int64 `help:"Maximum number of ids to show" default:"100"`
}

func (d *DLQCmd) Run(ctx context.Context, globals *Globals) error {
	rdb := queue.NewRedisClient(globals.Config)
	defer rdb.Close()

	ids, err := queue.NewRedisQueue(rdb, globals.Config).DLQPeek(ctx, d.Limit)
	if err != nil {
		return fmt.Errorf("read dlq: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("dead-letter list is empty")
		return nil
	}
	rows := make([][]string, 0, len(ids))
	for i, id := range ids {
		rows = append(rows, []string{strconv.Itoa(i + 1), id})
	}
	fmt.Println(renderTable([]string{"#", "Job"}, rows))
	return nil
}

type RetryCmd struct {
	ID       string        `arg:"" help:"Job id to retry"`
	API      string        `help:"API base URL (defaults to API_BASE_URL)"`
	Channel  string        `help:"Override the conversation channel"`
	User     string        `help:"Override the requesting user"`
	TS       string        `name:"ts" help:"Override the message timestamp"`
	ThreadTS string        `name:"thread-ts" help:"Override the thread timestamp"`
	Timeout  time.Duration `help:"Request timeout" default:"30s"`
}

type retryResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"jobId"`
	PreviousJobID string `json:"previousJobId"`
	Reason        string `json:"reason"`
}

func (r *RetryCmd) Run(ctx context.Context, globals *Globals) error {
	base := r.API
	if base == "" {
		base = globals.Config.APIBaseURL
	}
	body, err := json.Marshal(dispatch.RetryRequest{
		Channel:  r.Channel,
		User:     r.User,
		TS:       r.TS,
		ThreadTS: r.ThreadTS,
	})
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(base, "/") + "/jobs/" + r.ID + "/retry"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: r.Timeout}).Do(req)
	if err != nil {
		return fmt.Errorf("retry %s: %w", r.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var out retryResponse
	if resp.StatusCode >= http.StatusMultipleChoices {
		if json.Unmarshal(raw, &out) == nil && out.Reason != "" {
			return fmt.Errorf("retry %s rejected: %s", r.ID, out.Reason)
		}
		return fmt.Errorf("retry %s: status %d: %s", r.ID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Println(renderTable([]string{"Status", "Job", "Previous"}, [][]string{{out.Status, out.JobID, out.PreviousJobID}}))
	return nil
}

type ClearIdempotencyCmd struct {
	Yes bool `help:"Confirm deleting every key; replayed events will be processed again."`
}

func (c *ClearIdempotencyCmd) Run(ctx context.Context, globals *Globals) error {
	if !c.Yes {
		return errors.New("refusing to clear idempotency keys without --yes")
	}
	cfg := globals.Config

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()

	var pool *pgxpool.Pool
	if cfg.IdempotencyBackend == "postgres" {
		backend, err := store.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer backend.Close()
		pool = backend.Pool
	}

	idem, err := idempotency.Open(cfg, rdb, pool)
	if err != nil {
		return err
	}
	if err := idem.Clear(ctx); err != nil {
		return fmt.Errorf("clear idempotency keys: %w", err)
	}
	fmt.Printf("cleared %s idempotency keys\n", backendName(cfg.IdempotencyBackend))
	return nil
}

func backendName(name string) string {
	if name == "" {
		return "redis"
	}
	return name
}
