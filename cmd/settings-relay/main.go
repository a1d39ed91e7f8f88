package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zoff-tech/settings-relay/pkg/api"
	"github.com/zoff-tech/settings-relay/pkg/broker"
	"github.com/zoff-tech/settings-relay/pkg/config"
	"github.com/zoff-tech/settings-relay/pkg/logging"
	"github.com/zoff-tech/settings-relay/pkg/settings"
	"github.com/zoff-tech/settings-relay/pkg/store"
	"github.com/zoff-tech/settings-relay/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadFromFile("./cmd/settings-relay")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger := logging.New(cfg.LogLevel)

	if cfg.Observability.TracingURL != "" {
		shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize telemetry")
		}
		defer shutdownTelemetry()
	}

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize repository")
	}

	// Broker and engine failures are tolerated: the HTTP surface still comes
	// up so reads and manual operations keep working while the broker is down.
	messageBroker := broker.NewRabbitMQBroker(&cfg.Broker, logging.Component(logger, "broker"))
	if err := messageBroker.Init(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to initialize message broker")
	}

	engine := settings.New(repo, messageBroker, cfg, logging.Component(logger, "settings"))
	if err := engine.Init(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to subscribe settings handler")
	}

	server := api.NewServer(engine, cfg.API, logging.Component(logger, "api"))
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := messageBroker.Close(); err != nil {
		logger.Error().Err(err).Msg("broker close failed")
	}
}
