package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"resource-pipeline/internal/app"
	"resource-pipeline/internal/archive"
	"resource-pipeline/internal/costs"
	"resource-pipeline/internal/cumulative"
	"resource-pipeline/internal/dependency"
	"resource-pipeline/internal/generation"
	"resource-pipeline/internal/llm"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/prompts"
	"resource-pipeline/internal/telemetry"
	"resource-pipeline/internal/worker"
)

func main() {
	cfg, err := app.LoadConfig()
	log := logging.With("worker")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open runtime")
	}
	defer rt.Close()

	templates, err := prompts.New(cfg.TemplatesDir)
	if err != nil {
		log.Fatal().Err(err).Msg("load templates")
	}
	if missing := templates.Missing(rt.Graph.PromptIDs()); len(missing) > 0 {
		log.Fatal().Str("missing", strings.Join(missing, ",")).Msg("catalog references unknown prompt templates")
	}

	completer, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("init completion provider")
	}

	tracker := costs.NewTracker(rt.Store, cfg.MetricsBufferSize)
	defer tracker.Close()

	deps := generation.Deps{
		Graph:     rt.Graph,
		Store:     rt.Store,
		Contexts:  cumulative.New(rt.Graph, rt.Store, rt.Cache, cfg.Context),
		Templates: templates,
		Completer: completer,
		Prices:    costs.Table(cfg.ModelPrices),
		Recorder:  tracker,
		Cache:     rt.Cache,
	}
	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Fatal().Err(err).Msg("init archive")
	}
	if archiver != nil {
		deps.Archive = archiver
	}
	orchestrator := generation.New(cfg, deps)

	workerID := app.WorkerID()
	processor := worker.NewProcessorWithID(cfg, rt.Queue, workerID)
	handlers := &worker.Handlers{
		Templates: templates,
		Completer: orchestrator,
		Validator: dependency.New(rt.Graph, rt.Store, rt.Cache),
		Generator: orchestrator,
	}
	handlers.Register(processor)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Str("model", completer.Model()).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.Retry.BaseDelay).
		Bool("archive", archiver != nil).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
}
