package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/pipeline"
	"github.com/mehmetymw/rec2table/internal/route"
	"github.com/mehmetymw/rec2table/internal/types"
	"github.com/mehmetymw/rec2table/internal/watch"
)

type healthz struct {
	Status    string          `json:"status"`
	Table     string          `json:"table"`
	Pipeline  pipeline.Status `json:"pipeline"`
	Timestamp string          `json:"timestamp"`
}

func newServeCommand(opts *rootOptions, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the intake directory and ingest every file dropped into it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, logger)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Intake.Dir == "" {
		return &config.ConfigurationError{Field: "intake.dir", Reason: "required to serve"}
	}
	if cfg.Intake.OutputDir == "" {
		return &config.ConfigurationError{Field: "intake.output_dir", Reason: "required to serve"}
	}
	logger.Info("Starting rec2table service")

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dirRouter, err := route.NewDir(cfg.Intake.OutputDir, logger)
	if err != nil {
		return err
	}

	var sched *pipeline.Scheduler
	watcher := watch.New(cfg.Intake.Dir, cfg.Intake.SweepSchedule, watch.DefaultSettle,
		func(it types.WorkItem) { sched.Enqueue(it) }, logger)
	sched, err = pipeline.NewScheduler(a.processor, watcher.Releasing(dirRouter), a.reporter,
		pipeline.SchedulerOptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(runCtx)
		logger.Info("Scheduler stopped")
	}()
	watchErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(runCtx); err != nil {
			logger.Error("Intake watcher failed", zap.Error(err))
			watchErr <- err
			return
		}
		logger.Info("Intake watcher stopped")
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Health check requested")
		resp := healthz{Status: "running", Table: cfg.Table.Name, Pipeline: sched.Status(), Timestamp: time.Now().Format(time.RFC3339)}
		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("Service started successfully, waiting for signals")
	var runErr error
	select {
	case <-quit:
	case runErr = <-watchErr:
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All goroutines finished successfully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached, forcing exit")
	}
	logger.Info("Shutdown complete")
	return runErr
}
