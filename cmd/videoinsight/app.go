package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/videoinsight/internal/analyzer"
	"github.com/videoinsight/internal/artifact"
	"github.com/videoinsight/internal/checkpoint"
	"github.com/videoinsight/internal/client/apprise"
	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/executor"
	"github.com/videoinsight/internal/fileops"
	"github.com/videoinsight/internal/orchestrator"
	"github.com/videoinsight/internal/render"
	"github.com/videoinsight/internal/worker"
	"github.com/videoinsight/pkg/logger"
)

// app is the wired engine shared by every command.
type app struct {
	store   checkpoint.Store
	pool    *worker.Pool
	orch    *orchestrator.Orchestrator
	workers bool
}

// newApp opens storage and wires the pipeline. withPool starts chunk
// workers; read-only commands skip them.
func newApp(ctx context.Context, cfg *config.Config, withPool bool) (*app, error) {
	for _, dir := range []string{cfg.Download.Dir, cfg.Notes.OutputDir} {
		if err := fileops.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := checkpoint.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	artifacts, err := artifact.Open(ctx, cfg.Artifacts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	an, err := analyzer.New(cfg.Analysis)
	if err != nil {
		store.Close()
		return nil, err
	}

	transcriber := executor.NewWhisper(cfg.Transcription, filepath.Join(cfg.Download.Dir, "slices"), nil)
	runner := worker.NewChunkRunner(store, artifacts, transcriber, an)
	pool := worker.NewPool(worker.PoolConfig{Concurrency: cfg.Workers.Concurrency}, runner)
	if withPool {
		pool.Start()
	}

	var notifier orchestrator.Notifier
	if cfg.Apprise.Enabled {
		notifier = apprise.NewClient(cfg.Apprise)
		logger.Infof("🔔 Notifications: enabled (key=%s)", cfg.Apprise.Key)
	} else {
		logger.Debug("🔔 Notifications: disabled")
	}

	orch := orchestrator.New(
		store,
		artifacts,
		pool,
		executor.NewFetcher(cfg.Download, nil),
		render.NewSynthesizer(cfg.Notes.OutputDir),
		notifier,
		orchestrator.Options{
			Defaults:   cfg.JobDefaults(),
			RetryDelay: cfg.Workers.RetryDelay,
		},
	)
	return &app{store: store, pool: pool, orch: orch, workers: withPool}, nil
}

// close stops runs, then workers, then storage.
func (a *app) close(ctx context.Context) {
	if err := a.orch.Shutdown(ctx); err != nil {
		logger.Warnf("⚠️ Runs did not drain: %v", err)
	}
	if a.workers {
		a.pool.Stop()
	}
	if err := a.store.Close(); err != nil {
		logger.Errorf("❌ Close store: %v", err)
	}
}
