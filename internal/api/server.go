// Package api is the ingestion edge: the Slack Events endpoint, the worker
// callback endpoint and a handful of operator routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/dispatch"
	"media-transcript-pipeline/internal/idempotency"
	"media-transcript-pipeline/internal/logger"
	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/ratelimit"
	"media-transcript-pipeline/internal/reconcile"
	"media-transcript-pipeline/internal/slack"
	"media-transcript-pipeline/internal/store"
	"media-transcript-pipeline/internal/tasks"
	"media-transcript-pipeline/internal/telemetry"
)

const (
	maxEventBody    = 1 << 20
	maxCallbackBody = 1 << 20
	dlqPeekLimit    = 100
)

// Limiter throttles events per conversation.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// DeadLetters lists jobs the worker gave up on.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Deps are the collaborators a Server needs. Limiter and DeadLetters may be nil.
type Deps struct {
	Verifier       *slack.Verifier
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Limiter        Limiter
	Dispatcher     *dispatch.Dispatcher
	Reconciler     *reconcile.Reconciler
	Records        store.JobRecords
	DeadLetters    DeadLetters
	Tasks          *tasks.Pool
	Logger         zerolog.Logger
}

// Server wires HTTP handlers for the ingestion API.
type Server struct {
	Deps
}

// New constructs the API server.
func New(deps Deps) *Server {
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = idempotency.DefaultTTL
	}
	return &Server{Deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(s.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/slack/events", s.handleSlackEvent)
	r.Post("/callbacks/worker", s.handleCallback)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type statusResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"jobId,omitempty"`
	PreviousJobID string `json:"previousJobId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleSlackEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		s.countEvent("bad_request")
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if err := s.Verifier.Verify(r.Header, body); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("rejecting unsigned event")
		s.countEvent("unauthorized")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	env, err := slack.ParseEnvelope(body)
	if err != nil {
		s.countEvent("bad_request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if env.IsURLVerification() {
		s.countEvent("url_verification")
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}
	if !env.Actionable() {
		s.countEvent("ignored")
		writeJSON(w, http.StatusOK, statusResponse{Status: "ignored"})
		return
	}

	ev := env.SlackEvent()
	logger := zerolog.Ctx(ctx).With().Str("event_id", ev.EventID).Str("channel", ev.Channel).Logger()
	ctx = logger.WithContext(ctx)

	if s.Limiter != nil {
		allowed, _, err := s.Limiter.Allow(ctx, ratelimit.ConversationKey(ev.TeamID, ev.Channel))
		if err != nil {
			// Fail open: an unreachable limiter must not refuse new work.
			logger.Warn().Err(err).Msg("rate limiter unavailable, admitting event")
			telemetry.RateLimitDegraded.Inc()
			allowed = true
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			s.countEvent("rate_limited")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	seen, err := s.Idempotency.SeenOrMark(ctx, idempotency.EventKey(ev.EventID, ev.Channel, ev.TS), s.IdempotencyTTL)
	if err != nil {
		logger.Error().Err(err).Msg("idempotency check")
		http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
		return
	}
	if seen {
		s.countEvent("duplicate")
		writeJSON(w, http.StatusOK, statusResponse{Status: "duplicate_event_skipped"})
		return
	}

	job, err := s.Dispatcher.Prepare(ev)
	if err != nil {
		s.reject(ctx, w, ev, err)
		return
	}
	s.Tasks.Submit(ctx, tasks.Dispatch, func(ctx context.Context) error {
		return s.Dispatcher.Dispatch(ctx, job)
	})
	logger.Info().Str("job_id", job.ID).Int("files", len(job.Files)).Msg("event accepted")
	s.countEvent("accepted")
	writeJSON(w, http.StatusOK, statusResponse{Status: "accepted", JobID: job.ID})
}

// reject answers a validation failure and tells the conversation in the background.
func (s *Server) reject(ctx context.Context, w http.ResponseWriter, ev models.SlackEvent, err error) {
	var verr *dispatch.ValidationError
	if !errors.As(err, &verr) {
		zerolog.Ctx(ctx).Error().Err(err).Msg("prepare job")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	zerolog.Ctx(ctx).Info().Err(err).Msg("event rejected")
	s.Tasks.Submit(ctx, tasks.Notify, func(ctx context.Context) error {
		return s.Dispatcher.Reject(ctx, ev, err)
	})
	s.countEvent("rejected")
	writeJSON(w, http.StatusOK, statusResponse{Status: "rejected", Reason: verr.Error()})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var payload models.CallbackPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	outcome, err := s.Reconciler.Reconcile(r.Context(), payload)
	switch {
	case errors.Is(err, reconcile.ErrInvalidCallback):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_id", payload.JobID).Msg("reconcile")
		http.Error(w, "reconcile failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(outcome)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	previous := chi.URLParam(r, "id")

	var req dispatch.RetryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job, err := s.Dispatcher.PrepareRetry(ctx, previous, req)
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusUnprocessableEntity, statusResponse{Status: "rejected", Reason: verr.Error()})
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		default:
			zerolog.Ctx(ctx).Error().Err(err).Str("job_id", previous).Msg("prepare retry")
			http.Error(w, "retry failed", http.StatusInternalServerError)
		}
		return
	}

	s.Tasks.Submit(ctx, tasks.Dispatch, func(ctx context.Context) error {
		return s.Dispatcher.Dispatch(ctx, job)
	})
	zerolog.Ctx(ctx).Info().Str("job_id", job.ID).Str("previous_job_id", previous).Msg("job retried")
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "retried", JobID: job.ID, PreviousJobID: previous})
}

type jobResponse struct {
	Job     models.JobRecord    `json:"job"`
	History []models.AuditEntry `json:"history"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.Records.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	history, err := s.Records.History(r.Context(), id)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("job_id", id).Msg("load history")
	}
	if history == nil {
		history = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: rec, History: history})
}

// handleDLQ returns the dead-lettered job ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items := []string{}
	if s.DeadLetters != nil {
		peeked, err := s.DeadLetters.DLQPeek(r.Context(), dlqPeekLimit)
		if err != nil {
			http.Error(w, "failed to read dlq", http.StatusInternalServerError)
			return
		}
		items = append(items, peeked...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) countEvent(outcome string) {
	telemetry.EventsReceived.WithLabelValues(outcome).Inc()
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
