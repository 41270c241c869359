package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oicur0t/logship/internal/bookmark"
	"github.com/oicur0t/logship/internal/config"
	"github.com/oicur0t/logship/internal/shipper"
	"github.com/oicur0t/logship/pkg/backoff"
	"github.com/oicur0t/logship/pkg/levels"
)

func main() {
	configPath := flag.String("config", "/etc/logship/shipper.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadShipperConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting logship",
		zap.String("server", cfg.Server.URL),
		zap.String("buffer", cfg.Buffer.Path),
		zap.Int("batch_limit", cfg.Shipping.BatchLimit))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()

		// Give 30 seconds for the final flush
		time.Sleep(30 * time.Second)
		logger.Error("Forced shutdown after timeout")
		os.Exit(1)
	}()

	// Optional initial level constraint
	var initialLevel *zapcore.Level
	if cfg.MinimumLevel != "" {
		lvl, err := levels.Parse(cfg.MinimumLevel)
		if err != nil {
			logger.Fatal("Invalid minimum_level", zap.Error(err))
		}
		initialLevel = &lvl
	}
	controller := levels.NewController(initialLevel)

	store := bookmark.NewStore(cfg.Buffer.Path+".bookmark", logger)

	client := shipper.NewClient(
		cfg.Server.URL,
		cfg.Server.APIKey(),
		cfg.Shipping.Compress,
		&http.Client{Timeout: cfg.Server.Timeout},
		logger,
	)

	schedule := backoff.NewSchedule(cfg.Shipping.Period, backoff.Config{
		Initial:    cfg.Shipping.Backoff.Initial,
		Max:        cfg.Shipping.Backoff.Max,
		Multiplier: cfg.Shipping.Backoff.Multiplier,
	})

	coordinator := shipper.NewCoordinator(
		shipper.Config{
			BufferBase:           cfg.Buffer.Path,
			BatchLimit:           cfg.Shipping.BatchLimit,
			EventBodyLimitBytes:  cfg.Shipping.EventBodyLimitBytes,
			LevelRecheckInterval: cfg.Shipping.LevelRecheckInterval,
		},
		store,
		client,
		controller,
		schedule,
		logger,
	)

	// Run the coordinator (blocks until context is cancelled, then
	// performs a final flush tick)
	if err := coordinator.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("Coordinator failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shipper stopped gracefully")
}

// initLogger creates a configured zap logger
func initLogger(level string, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
