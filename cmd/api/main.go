package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/api"
	"media-transcript-pipeline/internal/artifacts"
	"media-transcript-pipeline/internal/config"
	"media-transcript-pipeline/internal/dispatch"
	"media-transcript-pipeline/internal/idempotency"
	"media-transcript-pipeline/internal/knowledgebase"
	"media-transcript-pipeline/internal/logger"
	"media-transcript-pipeline/internal/queue"
	"media-transcript-pipeline/internal/ratelimit"
	"media-transcript-pipeline/internal/reconcile"
	"media-transcript-pipeline/internal/slack"
	"media-transcript-pipeline/internal/store"
	"media-transcript-pipeline/internal/summarizer"
	"media-transcript-pipeline/internal/tasks"
)

func main() {
	cfg := config.Load()
	lg := logger.Setup(cfg.Env == "dev", "api")

	if err := cfg.ValidateAPI(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("job_store", cfg.JobStore).Msg("open job store")
	}
	defer backend.Close()

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()

	idem, err := idempotency.Open(cfg, rdb, backend.Pool)
	if err != nil {
		log.Fatal().Err(err).Msg("open idempotency store")
	}

	blobs, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open artifact store")
	}

	slackClient := slack.NewClient(cfg.SlackBotToken, cfg.SlackAPIURL, &http.Client{Timeout: cfg.DownloadTimeout})
	q := queue.NewRedisQueue(rdb, cfg)

	dispatcher := dispatch.New(backend.Records, blobs, q, slackClient, slackClient, dispatch.Options{
		MaxFileBytes:  cfg.MaxFileBytes,
		WorkDir:       cfg.WorkDir,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	reconciler := reconcile.New(backend.Records, idem, blobs,
		summarizer.NewClient(cfg.SummarizerURL, cfg.SummarizerAPIKey, cfg.HTTPClientTimeout),
		knowledgebase.NewClient(cfg.KnowledgeBaseURL, cfg.KnowledgeBaseKey, cfg.KnowledgeParentID, cfg.HTTPClientTimeout),
		slackClient,
		reconcile.Options{IdempotencyTTL: cfg.IdempotencyTTL, NotifyTimeout: cfg.NotifyTimeout})

	pool := tasks.NewPool(cfg.TaskConcurrency)
	server := api.New(api.Deps{
		Verifier:       slack.NewVerifier(cfg.SlackSigningSecret, cfg.SignatureMaxAge),
		Idempotency:    idem,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Limiter:        ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Dispatcher:     dispatcher,
		Reconciler:     reconciler,
		Records:        backend.Records,
		DeadLetters:    q,
		Tasks:          pool,
		Logger:         lg,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("job_store", cfg.JobStore).Str("idempotency", cfg.IdempotencyBackend).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Accepted events are already marked as seen, so their dispatch must finish.
	pool.Wait()
}
