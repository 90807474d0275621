package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/davsync/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Run the scheduler, the webhook retry processor and the health
endpoints until the process receives SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		}()

		container, err := app.NewContainer(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to initialize container", "error", err)
			return err
		}
		defer container.Close()

		logger.Info("starting davsync daemon", "version", version, "driver", container.DBDriver)

		if err := container.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer container.Scheduler.Stop()

		container.RetryProcessor.Start(ctx)
		defer container.RetryProcessor.Stop()

		startCleanupLoop(ctx, container)
		startStatsLoop(ctx, container)
		startHealthServer(ctx, container)

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

// startCleanupLoop prunes old sync logs on the configured interval.
func startCleanupLoop(ctx context.Context, c *app.Container) {
	ticker := time.NewTicker(c.Config.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -c.Config.SyncLogRetentionDays)
				deleted, err := c.SyncLogs.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					c.Logger.Error("sync log cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					c.Logger.Info("sync log cleanup completed",
						"deleted", deleted,
						"retention_days", c.Config.SyncLogRetentionDays,
					)
				}
			}
		}
	}()
}

func startStatsLoop(ctx context.Context, c *app.Container) {
	ticker := time.NewTicker(c.Config.StatsInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.Scheduler.Stats()
				retryStats, err := c.RetryProcessor.Stats(ctx)
				if err != nil {
					c.Logger.Warn("webhook retry stats unavailable", "error", err)
				}
				c.Logger.Info("scheduler stats",
					"jobs", stats.Jobs,
					"paused", stats.Paused,
					"active_runs", stats.ActiveRuns,
					"webhook_retries_pending", retryStats.Pending,
					"webhook_retries_failed", retryStats.Failed,
				)
			}
		}
	}()
}

func startHealthServer(ctx context.Context, c *app.Container) {
	if c.Config.HealthAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := c.Scheduler.Stats()
		response := map[string]any{
			"status":      "ok",
			"jobs":        stats.Jobs,
			"paused":      stats.Paused,
			"active_runs": stats.ActiveRuns,
			"retries":     c.RetryProcessor.IsRunning(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pingDatabase(checkCtx, c); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
	})

	srv := &http.Server{
		Addr:              c.Config.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		c.Logger.Info("health server starting", "addr", c.Config.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.Logger.Error("health server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.Logger.Warn("health server shutdown error", "error", err)
		}
	}()
}

func pingDatabase(ctx context.Context, c *app.Container) error {
	if c.Pool != nil {
		return c.Pool.Ping(ctx)
	}
	return c.SQLiteDB.PingContext(ctx)
}
