package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/logging"
	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/server"
	"github.com/room4-2/voicebridge/session"
	"github.com/room4-2/voicebridge/store"
	"github.com/room4-2/voicebridge/upstream"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := logging.New("info", "text")
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if _, err := cfg.UpstreamCredential(); err != nil {
		logger.Warn().Err(err).Msg("no upstream credential, every connection will be refused")
	}

	st := store.Connect(cfg.RedisURL, cfg.RedisPassword, cfg.SessionTimeout, logger)
	m := metrics.NewMetrics()
	sessionManager := session.NewManager(cfg, dialerFor(cfg, logger), st, m, logger)

	// Start cleanup routine
	ctx, cancel := context.WithCancel(context.Background())
	go sessionManager.StartCleanupRoutine(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	srv := server.NewServerWebsocket(cfg, sessionManager, m, logger)

	go func() {
		<-sigChan
		logger.Info().Msg("Received shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server error")
	}

	logger.Info().Msg("Server stopped")
}

func dialerFor(cfg *config.Config, logger zerolog.Logger) upstream.Dialer {
	if cfg.Provider == config.ProviderGemini {
		return &upstream.GeminiDialer{Model: cfg.Model, Logger: logger}
	}
	return &upstream.OpenAIDialer{URL: cfg.UpstreamURL, Model: cfg.Model}
}
