package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/handler"
	"github.com/videoinsight/internal/version"
	"github.com/videoinsight/internal/watcher"
	"github.com/videoinsight/pkg/logger"
)

var (
	servePort   int
	reloadEvery time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the worker pool and the watch folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().DurationVar(&reloadEvery, "reload-interval", 30*time.Second, "How often to check the config file for changes (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	version.PrintBanner(nil)

	logger.Infof("📁 Loading config: %s", cfgPath)
	cfgMgr, err := config.NewManager(cfgPath, reloadEvery)
	if err != nil {
		return err
	}
	defer cfgMgr.Stop()
	cfg := cfgMgr.Get()
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	a, err := newApp(context.Background(), cfg, true)
	if err != nil {
		return err
	}

	cfgMgr.OnChange(func(_, cur *config.Config) {
		a.orch.SetDefaults(cur.JobDefaults())
		logger.Info("📋 Job defaults updated; running jobs keep their snapshot")
	})

	// Initialize HTTP server
	if !cfg.Log.Dev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	h := handler.New(a.orch, a.pool)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ Server error: %v", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	if cfg.Watch.Enabled {
		w, err := watcher.New(cfg.Watch.Dir, func(ctx context.Context, path string) error {
			j, err := a.orch.CreateJob(ctx, path, nil)
			if err != nil {
				return err
			}
			return a.orch.Start(j.ID)
		}, cfg.Workers.Concurrency)
		if err != nil {
			stopWatch()
			return err
		}
		go func() {
			defer close(watchDone)
			defer w.Close()
			if err := w.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("❌ Watcher stopped: %v", err)
			}
		}()
	} else {
		close(watchDone)
	}

	if _, err := a.orch.ResumeInterrupted(context.Background()); err != nil {
		logger.Errorf("❌ Resume interrupted jobs: %v", err)
	}

	// Print startup info
	logger.Info("")
	logger.Infof("🗄️  Store: %s", cfg.Store.Driver)
	logger.Infof("📦 Artifacts: %s", cfg.Artifacts.Driver)
	logger.Infof("🎤 Transcription: %s (quality: %s)", cfg.Transcription.Provider, cfg.Transcription.Quality)
	logger.Infof("🧠 Analysis: %s", cfg.Analysis.Provider)
	logger.Infof("✂️  Chunks: %s with %s overlap", time.Duration(cfg.Chunking.ChunkSizeMs)*time.Millisecond, time.Duration(cfg.Chunking.OverlapMs)*time.Millisecond)
	if cfg.Watch.Enabled {
		logger.Infof("👀 Watch folder: %s", cfg.Watch.Dir)
	}
	logger.Info("")
	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Infof("   POST /api/v1/jobs              - Submit a video")
	logger.Infof("   GET  /api/v1/jobs/:id          - Job report")
	logger.Infof("   GET  /api/v1/jobs/:id/stream   - Progress (websocket)")
	logger.Info("")
	logger.Info("────────────────────────────────────────────────────────────────")
	logger.Info("✅  Ready! Waiting for videos...")
	logger.Info("────────────────────────────────────────────────────────────────")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}
	stopWatch()
	<-watchDone
	a.close(ctx)

	logger.Info("👋 Goodbye!")
	return nil
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if path != "/api/v1/health" || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}
