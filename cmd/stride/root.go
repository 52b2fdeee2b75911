package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridelabs/stride/internal/api"
	"github.com/stridelabs/stride/internal/auth"
	"github.com/stridelabs/stride/internal/config"
	"github.com/stridelabs/stride/internal/planner"
	"github.com/stridelabs/stride/internal/queue"
	"github.com/stridelabs/stride/internal/realtime"
	"github.com/stridelabs/stride/internal/snapshot"
	"github.com/stridelabs/stride/internal/store"
	"github.com/stridelabs/stride/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "stride",
	Short: "Stride - Goal Planning Service",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize work queue over the same database
	jobs := queue.NewSQLiteQueue(db.DB(),
		cfg.Queue.MaxAttempts,
		time.Duration(cfg.Queue.BackoffBase),
		time.Duration(cfg.Queue.LeaseDuration))
	slog.Info("queue initialized", "max_attempts", cfg.Queue.MaxAttempts)

	// 6. Initialize plan generator
	generator := planner.NewOpenAIPlanner(
		cfg.Generation.APIKey,
		cfg.Generation.Model,
		time.Duration(cfg.Generation.RequestTimeout),
		cfg.Generation.MaxAttempts)
	slog.Info("generator initialized", "model", cfg.Generation.Model)

	// 7. Initialize auth and realtime hub
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	hub := realtime.NewHub(db, verifier)
	slog.Info("realtime hub initialized")

	// 8. Initialize snapshot uploader
	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		return err
	}

	// 9. Initialize HTTP router
	handler := api.NewHandler(db, jobs, Version, cfg.Generation.Model)
	router := api.NewRouter(handler, hub.ServeWS, verifier)
	slog.Info("router initialized")

	// 10. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 11. Worker lifecycle infrastructure
	var wg sync.WaitGroup

	planWorker := worker.NewPlanWorker(jobs, db, generator, hub,
		cfg.Worker.Concurrency,
		time.Duration(cfg.Worker.PollInterval),
		time.Duration(cfg.Queue.JobTimeout))
	startWorker(ctx, &wg, "plan-worker", planWorker.Run)

	snapshotDir := filepath.Join(filepath.Dir(cfg.Database.Path), "snapshots")
	coordinator := worker.NewSnapshotCoordinator(db, uploader,
		time.Duration(cfg.Worker.SnapshotInterval), snapshotDir)
	startWorker(ctx, &wg, "snapshot-coordinator", coordinator.Run)

	janitor := worker.NewQueueJanitor(jobs,
		time.Duration(cfg.Worker.JanitorInterval),
		time.Duration(cfg.Queue.CompletedRetention))
	startWorker(ctx, &wg, "queue-janitor", janitor.Run)

	// 12. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 13. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 14. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 14a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 14b. Wait for workers to complete
	wg.Wait()

	// 14c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
