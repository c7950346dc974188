// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Command nosdesk-collabd runs the collaborative editing engine as a
// standalone daemon: a WebSocket synchronization endpoint plus the
// read-only rendered and history HTTP surface, backed by SQLite or
// PostgreSQL snapshot storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/kylephillipsau/nosdesk-collab/collab"
	"github.com/kylephillipsau/nosdesk-collab/snapshot"
)

// shutdownGrace bounds graceful HTTP shutdown and the final replica
// flush on exit.
const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nosdesk-collabd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML configuration file (required)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parse --log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := collab.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshots, err := openSnapshotStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	persister, err := collab.NewPersister(collab.PersisterConfig{
		Snapshots:  snapshots,
		Adapter:    collab.MarkdownAdapter{},
		Logger:     logger,
		Debounce:   cfg.Persistence.Debounce,
		MaxAge:     cfg.Persistence.MaxAge,
		MaxUpdates: cfg.Persistence.MaxUpdates,
	})
	if err != nil {
		return err
	}

	store, err := collab.NewStore(collab.StoreConfig{
		Snapshots:     snapshots,
		Logger:        logger,
		EvictionGrace: cfg.Replicas.EvictionGrace,
		FlushOnEvict:  persister.FlushNow,
	})
	if err != nil {
		return err
	}

	manager, err := collab.NewManager(collab.ManagerConfig{
		Store:         store,
		Persister:     persister,
		Logger:        logger,
		MaxSessions:   cfg.Sessions.MaxSessions,
		OpenRate:      rate.Limit(cfg.Sessions.OpenRate),
		OpenBurst:     cfg.Sessions.OpenBurst,
		OutboundQueue: cfg.Sessions.OutboundQueue,
		AwarenessTTL:  cfg.Sessions.AwarenessTTL,
	})
	if err != nil {
		return err
	}

	server, err := collab.NewServer(collab.ServerConfig{
		Manager:   manager,
		Snapshots: snapshots,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server,
	}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- httpServer.ListenAndServe()
	}()

	logger.Info("collaboration engine running", "listen", cfg.Listen)

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := <-serveDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "error", err)
	}

	// Close every session first so all replica references drop, then
	// flush whatever is still resident.
	manager.Shutdown()
	store.Close(shutdownCtx)
	return nil
}

// openSnapshotStore builds the configured snapshot backend.
func openSnapshotStore(ctx context.Context, cfg collab.StorageConfig, logger *slog.Logger) (snapshot.Store, error) {
	compression := snapshot.CompressionZstd
	if cfg.Compression != "" {
		parsed, err := snapshot.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		compression = parsed
	}
	if cfg.PostgresURL != "" {
		return snapshot.OpenPostgres(ctx, snapshot.PostgresConfig{
			URL:         cfg.PostgresURL,
			Compression: compression,
			Logger:      logger,
		})
	}
	return snapshot.OpenSQLite(snapshot.SQLiteConfig{
		Path:        cfg.Path,
		Compression: compression,
		Logger:      logger,
	})
}
