package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/cobra-ai/credits/internal/app"
	"github.com/cobra-ai/credits/internal/config"
	"github.com/cobra-ai/credits/internal/pkg/logger"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "credit-worker"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}

	log.Info().Str("db", cfg.DatabaseDriver).Msg("Starting credit-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise credit ledger")
	}
	defer a.Close()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// Credit types registered through an API instance reach the worker over Redis
	go a.FollowTypeChanges(ctx)

	a.Scheduler.Run(ctx)
	log.Info().Msg("credit-worker stopped")
}
