package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"media-transcript-pipeline/internal/artifacts"
	"media-transcript-pipeline/internal/config"
	"media-transcript-pipeline/internal/idempotency"
	"media-transcript-pipeline/internal/knowledgebase"
	"media-transcript-pipeline/internal/logger"
	"media-transcript-pipeline/internal/models"
	"media-transcript-pipeline/internal/queue"
	"media-transcript-pipeline/internal/recognizer"
	"media-transcript-pipeline/internal/reconcile"
	"media-transcript-pipeline/internal/slack"
	"media-transcript-pipeline/internal/store"
	"media-transcript-pipeline/internal/summarizer"
	"media-transcript-pipeline/internal/transcode"
	"media-transcript-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.Env == "dev", "worker")

	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("job_store", cfg.JobStore).Msg("open job store")
	}
	defer backend.Close()

	blobs, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open artifact store")
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg)

	var notifier slack.Notifier = slack.LogNotifier{}
	if cfg.SlackBotToken != "" {
		notifier = slack.NewClient(cfg.SlackBotToken, cfg.SlackAPIURL, &http.Client{Timeout: cfg.NotifyTimeout})
	}

	callbacks, err := callbackSender(cfg, backend, blobs, rdb, notifier)
	if err != nil {
		log.Fatal().Err(err).Msg("init callbacks")
	}

	rec := recognizer.NewClient(cfg.RecognizerURL, cfg.RecognizerAPIKey,
		recognizer.WithHTTPClient(&http.Client{Timeout: cfg.HTTPClientTimeout}),
		recognizer.WithPolling(time.Second, cfg.AnalyzePollMax),
		recognizer.WithAnalyzeTimeout(cfg.AnalyzeTimeout))

	pipeline := worker.NewPipeline(backend.Records, blobs, transcode.NewFFmpeg(cfg.FFmpegBinary, cfg.SampleRate), rec, callbacks, notifier, worker.PipelineOptions{
		WorkDir:         cfg.WorkDir,
		SampleRate:      cfg.SampleRate,
		Language:        cfg.RecognizerLang,
		MediaExtensions: cfg.MediaExtensions,
		NotifyTimeout:   cfg.NotifyTimeout,
		CallbackTimeout: cfg.CallbackTimeout,
	})

	processor := worker.NewProcessor(q, pipeline, worker.ProcessorOptions{
		WorkerID:          workerID(),
		PollInterval:      cfg.WorkerPollInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		RequeueBatchSize:  int64(cfg.RequeueBatchSize),
	})

	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           processor.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("worker http server stopped")
		}
	}()

	log.Info().Str("addr", cfg.MetricsAddr).Dur("visibility", cfg.VisibilityTimeout).Msg("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// callbackSender posts to the API when CALLBACK_URL is set and otherwise
// reconciles in process.
func callbackSender(cfg config.Config, backend store.Backend, blobs artifacts.Store, rdb *redis.Client, notifier slack.Notifier) (worker.CallbackSender, error) {
	if cfg.CallbackURL != "" {
		return worker.NewHTTPCallback(cfg.CallbackURL, cfg.CallbackTimeout), nil
	}
	idem, err := idempotency.Open(cfg, rdb, backend.Pool)
	if err != nil {
		return nil, err
	}
	reconciler := reconcile.New(backend.Records, idem, blobs,
		summarizer.NewClient(cfg.SummarizerURL, cfg.SummarizerAPIKey, cfg.HTTPClientTimeout),
		knowledgebase.NewClient(cfg.KnowledgeBaseURL, cfg.KnowledgeBaseKey, cfg.KnowledgeParentID, cfg.HTTPClientTimeout),
		notifier,
		reconcile.Options{IdempotencyTTL: cfg.IdempotencyTTL, NotifyTimeout: cfg.NotifyTimeout})
	log.Info().Msg("no CALLBACK_URL, reconciling in process")
	return worker.CallbackFunc(func(ctx context.Context, p models.CallbackPayload) error {
		_, err := reconciler.Reconcile(ctx, p)
		return err
	}), nil
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
