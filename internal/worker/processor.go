// Package worker consumes queued jobs and runs the media pipeline for each.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/telemetry"
)

// Queue is the lease-based queue the processor consumes.
type Queue interface {
	DequeueWithLease(ctx context.Context) (*models.QueueMessage, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// minVisibility keeps the heartbeat period positive.
const minVisibility = 10 * time.Millisecond

// ProcessorOptions tune the consumer loop.
type ProcessorOptions struct {
	WorkerID          string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	RequeueBatchSize  int64
}

// Processor drives the worker execution loop.
type Processor struct {
	queue    Queue
	pipeline *Pipeline
	opts     ProcessorOptions
}

// NewProcessor builds a processor over q.
func NewProcessor(q Queue, pipeline *Pipeline, opts ProcessorOptions) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.VisibilityTimeout < minVisibility {
		opts.VisibilityTimeout = minVisibility
	}
	if opts.RequeueBatchSize <= 0 {
		opts.RequeueBatchSize = 100
	}
	return &Processor{queue: q, pipeline: pipeline, opts: opts}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	logger := log.With().Str("worker_id", p.opts.WorkerID).Logger()
	logger.Info().Dur("visibility", p.opts.VisibilityTimeout).Msg("worker loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), p.opts.RequeueBatchSize); err != nil {
			logger.Warn().Err(err).Msg("requeue expired leases")
		} else if len(reclaimed) > 0 {
			telemetry.LeasesRequeued.Add(float64(len(reclaimed)))
			logger.Warn().Strs("job_ids", reclaimed).Msg("requeued jobs with expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		msg, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("dequeue")
			}
			p.sleep(ctx)
			continue
		}
		if msg == nil {
			p.sleep(ctx)
			continue
		}

		p.Handle(ctx, *msg)
	}
}

// Handle processes one leased message. The message is acked whatever the
// outcome; failed jobs are also pushed to the dead-letter list.
func (p *Processor) Handle(ctx context.Context, msg models.QueueMessage) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stop := p.heartbeat(ctx, msg.JobID)
	err := p.pipeline.Process(ctx, msg)
	stop()

	// The outcome is already recorded, so settle the message even during shutdown.
	settle := context.WithoutCancel(ctx)
	if err != nil {
		if derr := p.queue.DLQPush(settle, msg.JobID); derr != nil {
			log.Warn().Err(derr).Str("job_id", msg.JobID).Msg("dlq push")
		}
	}
	if aerr := p.queue.Ack(settle, msg.JobID); aerr != nil {
		log.Warn().Err(aerr).Str("job_id", msg.JobID).Msg("ack")
	}
}

// heartbeat extends the lease every half visibility period until stopped.
func (p *Processor) heartbeat(ctx context.Context, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.opts.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, jobID, p.opts.VisibilityTimeout); err != nil {
					log.Warn().Err(err).Str("job_id", jobID).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// pushEnvelope is the push-subscription wrapper; Data holds the base64 message.
type pushEnvelope struct {
	Message *struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Router serves the push endpoint, health and metrics.
func (p *Processor) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Post("/push", p.handlePush)
	return r
}

// handlePush accepts either a bare queue message or a push-subscription envelope.
// It answers 200 once the job has been processed, whatever the outcome.
func (p *Processor) handlePush(w http.ResponseWriter, r *http.Request) {
	msg, err := decodePush(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	telemetry.InFlightGauge.Inc()
	perr := p.pipeline.Process(r.Context(), msg)
	telemetry.InFlightGauge.Dec()

	status := "processed"
	if perr != nil {
		status = "failed"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "jobId": msg.JobID})
}

func decodePush(w http.ResponseWriter, r *http.Request) (models.QueueMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&raw); err != nil {
		return models.QueueMessage{}, errors.New("invalid json")
	}
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != nil && len(env.Message.Data) > 0 {
		raw = env.Message.Data
	}
	var msg models.QueueMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.QueueMessage{}, errors.New("invalid queue message")
	}
	if msg.JobID == "" {
		return models.QueueMessage{}, errors.New("jobId is required")
	}
	return msg, nil
}
