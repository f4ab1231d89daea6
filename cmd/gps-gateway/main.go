package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/config"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/coordinator"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/db"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/httpapi"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/kafka"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "cleanup":
		runCleanup()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: gps-gateway <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the ingestion gateway")
	fmt.Println("  cleanup   Run a one-shot store cleanup (trim history, drop inactive devices)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting gps-gateway",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Redis. The coordinator owns the client from here on and
	// closes it during shutdown.
	client, err := db.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	coord := coordinator.New(cfg, client, logger.Named("coordinator"))
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("failed to start pipeline", zap.Error(err))
	}

	// --- Kafka source (optional) ---
	// The source gets its own context so its poll loop can be stopped
	// before the pipeline drains, while the workers keep running.
	sourceCtx, sourceCancel := context.WithCancel(ctx)
	defer sourceCancel()

	var wg sync.WaitGroup
	var source *kafka.Source
	if cfg.Kafka.Enabled {
		source, err = kafka.NewSource(cfg.Kafka, coord, logger.Named("kafka"))
		if err != nil {
			logger.Fatal("failed to create kafka source", zap.Error(err))
		}
		wg.Add(1)
		go func() { defer wg.Done(); source.Run(sourceCtx) }()

		logger.Info("kafka source started",
			zap.Strings("topics", cfg.Kafka.Topics),
			zap.String("group_id", cfg.Kafka.GroupID),
		)
	}

	// --- HTTP server ---
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, coord, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("gps-gateway started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop new HTTP traffic first, then the Kafka intake, then drain the
	// pipeline itself. The queue workers stay up until the shutdown flush
	// has been handed to them.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	sourceCancel()
	if source != nil {
		wg.Wait()
		source.Close()
	}

	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", zap.Error(err))
	}

	logger.Info("gps-gateway stopped")
}

func runCleanup() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running store cleanup",
		zap.Int("max_history_entries", cfg.Ingest.MaxHistoryEntries),
		zap.Int("max_device_inactivity_ms", cfg.Ingest.MaxDeviceInactivityMs),
	)

	ctx := context.Background()
	client, err := db.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	st := store.New(client, logger.Named("store"), store.Config{
		MaxHistoryEntries:   cfg.Ingest.MaxHistoryEntries,
		LatestTTL:           time.Duration(cfg.Ingest.LatestKeyTTLSeconds) * time.Second,
		CleanupEnabled:      cfg.Ingest.CleanupEnabled,
		MaxDeviceInactivity: time.Duration(cfg.Ingest.MaxDeviceInactivityMs) * time.Millisecond,
		StoreBatchMetadata:  cfg.Ingest.StoreBatchMetadata,
	})
	defer st.Close()

	res, err := st.Cleanup(ctx)
	if err != nil {
		logger.Fatal("cleanup failed", zap.Error(err))
	}

	logger.Info("cleanup complete",
		zap.Int64("history_trimmed", res.HistoryTrimmed),
		zap.Int("latest_deleted", res.LatestDeleted),
	)
}
