package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resource-pipeline/internal/api"
	"resource-pipeline/internal/app"
	"resource-pipeline/internal/auth"
	"resource-pipeline/internal/costs"
	"resource-pipeline/internal/cumulative"
	"resource-pipeline/internal/dependency"
	"resource-pipeline/internal/logging"
)

func main() {
	cfg, err := app.LoadConfig()
	log := logging.With("api")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open runtime")
	}
	defer rt.Close()

	// The API records no completions itself; the tracker only reports this process's summary.
	tracker := costs.NewTracker(nil, cfg.MetricsBufferSize)
	defer tracker.Close()

	server := api.New(cfg, api.Deps{
		Queue:     rt.Queue,
		Limiter:   rt.Limiter(ctx),
		Tiers:     rt.Store,
		Auth:      auth.New(cfg.JWTSecret, 0),
		Validator: dependency.New(rt.Graph, rt.Store, rt.Cache),
		Contexts:  cumulative.New(rt.Graph, rt.Store, rt.Cache, cfg.Context),
		Costs:     tracker,
		History:   rt.Store,
		Checks:    rt.Checks(),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", httpServer.Addr).Int("resources", len(rt.Graph.Resources())).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listen")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	log.Info().Msg("api stopped")
}
