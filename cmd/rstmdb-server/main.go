package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rstmdb/rstmdb/internal/auth"
	"github.com/rstmdb/rstmdb/internal/config"
	"github.com/rstmdb/rstmdb/internal/machine"
	"github.com/rstmdb/rstmdb/internal/metrics"
	"github.com/rstmdb/rstmdb/internal/server"
	"github.com/rstmdb/rstmdb/internal/storage"
	"github.com/rstmdb/rstmdb/internal/wal"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	repairWAL := flag.Bool("repair-wal", false, "truncate corrupted WAL records at the last valid boundary on startup")
	verifyWAL := flag.Bool("verify-wal", false, "verify WAL integrity and exit")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *verifyWAL {
		result, err := wal.Verify(cfg.WalDir(), cfg.Storage.WalSegmentSize())
		if err != nil {
			log.Fatalf("WAL verification failed: %v", err)
		}
		fmt.Printf("valid records:    %d\n", result.ValidRecords)
		fmt.Printf("invalid records:  %d\n", result.InvalidRecords)
		fmt.Printf("bytes to truncate: %d\n", result.BytesTruncated)
		fmt.Printf("max sequence:     %d\n", result.MaxSequence)
		if result.InvalidRecords > 0 || result.BytesTruncated > 0 {
			os.Exit(1)
		}
		return
	}

	fsyncPolicy, err := wal.ParseFsyncPolicy(cfg.Storage.FsyncPolicy)
	if err != nil {
		log.Fatalf("invalid fsync policy: %v", err)
	}

	walLog, err := wal.Open(wal.Config{
		Dir:         cfg.WalDir(),
		SegmentSize: cfg.Storage.WalSegmentSize(),
		FsyncPolicy: fsyncPolicy,
		Repair:      *repairWAL,
	}, logger)
	if err != nil {
		log.Fatalf("failed to open WAL: %v", err)
	}

	engine, err := machine.NewEngine(walLog, machine.Options{
		MaxMachineVersions: cfg.Storage.MaxMachineVersions,
	}, logger)
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	archive, err := storage.NewArchive(cfg.Storage.Archive)
	if err != nil {
		log.Fatalf("failed to configure snapshot archive: %v", err)
	}
	snapshots, err := storage.OpenSnapshotStore(cfg.SnapshotDir(), archive, logger)
	if err != nil {
		log.Fatalf("failed to open snapshot store: %v", err)
	}

	tokenHashes := cfg.Auth.TokenHashes
	if cfg.Auth.SecretsFile != "" {
		fileHashes, err := auth.LoadSecretsFile(cfg.Auth.SecretsFile)
		if err != nil {
			log.Fatalf("failed to load secrets file: %v", err)
		}
		tokenHashes = append(tokenHashes, fileHashes...)
	}
	validator := auth.NewTokenValidator(tokenHashes)
	if cfg.Auth.Required && !validator.HasTokens() {
		log.Fatalf("auth.required is set but no token hashes are configured")
	}

	m := metrics.New()
	broadcaster := server.NewBroadcaster(server.DefaultChannelCapacity, logger)
	handler := server.NewHandler(engine, snapshots, broadcaster, m, validator, cfg.Auth.Required, logger)

	tlsConfig, err := server.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("failed to load TLS configuration: %v", err)
	}

	srv := server.New(server.Config{
		BindAddr:       cfg.Network.BindAddr,
		IdleTimeout:    cfg.Network.IdleTimeout(),
		MaxConnections: cfg.Network.MaxConnections,
		TLS:            tlsConfig,
	}, handler, logger)
	if err := srv.Listen(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	compactor := server.NewCompactionManager(engine, snapshots, server.CompactionConfig{
		Enabled:         cfg.Compaction.Enabled,
		EventsThreshold: cfg.Compaction.EventsThreshold,
		SizeThreshold:   cfg.Compaction.SizeThreshold(),
		MinInterval:     cfg.Compaction.MinInterval(),
	}, logger)
	go compactor.Run(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics.BindAddr, m, logger)
		metricsServer.Start()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete cleanly", "error", err)
	}
	if metricsServer != nil {
		metricsServer.Stop(shutdownCtx)
	}

	// Flush the WAL so no acknowledged write is lost across the restart.
	if err := engine.Sync(); err != nil {
		logger.Error("failed to sync WAL on shutdown", "error", err)
	}
	if err := walLog.Close(); err != nil {
		logger.Error("failed to close WAL", "error", err)
	}

	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
