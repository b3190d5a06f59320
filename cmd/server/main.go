// Package main is the entrypoint for the ScanForge OCR orchestration server.
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

	"github.com/avelier/scanforge/internal/api"
	"github.com/avelier/scanforge/internal/api/handler"
	"github.com/avelier/scanforge/internal/config"
	"github.com/avelier/scanforge/internal/gpu"
	"github.com/avelier/scanforge/internal/input"
	"github.com/avelier/scanforge/internal/job"
	"github.com/avelier/scanforge/internal/scheduler"
	"github.com/avelier/scanforge/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, fail fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create runtime dirs: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "outputs_dir", cfg.Paths.OutputsDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Detect GPU capacity
	slots := cfg.Scheduler.GPUCount
	if slots <= 0 {
		slots = gpu.DetectCount(ctx)
	}
	slog.Info("gpu pool sized", "slots", slots)

	// 3. Create output store
	outputs, err := store.NewFileStore(cfg.Paths.OutputsDir)
	if err != nil {
		return fmt.Errorf("create output store: %w", err)
	}

	// 4. Create GPU scheduler with the vLLM launcher
	sched := scheduler.New(scheduler.Options{
		TotalSlots:     slots,
		BasePort:       cfg.Scheduler.BasePort,
		StartupTimeout: cfg.Scheduler.StartupTimeout,
	}, &scheduler.VLLMLauncher{StateDir: cfg.Paths.StateDir}, logger)
	defer sched.Shutdown()

	// 5. Create job manager
	manager := job.NewManager(outputs, sched, &input.PopplerRasterizer{}, job.Config{
		InputsDir:             cfg.Paths.InputsDir,
		MaxConcurrentRequests: cfg.OCR.MaxConcurrentRequests,
		RequestTimeout:        cfg.OCR.RequestTimeout,
		MaxTokens:             cfg.OCR.MaxTokens,
		RunFailureThreshold:   cfg.OCR.RunFailureThreshold,
		DataParallelSize:      cfg.Scheduler.DataParallelSize,
		GPUMemoryUtilization:  cfg.Scheduler.GPUMemoryUtilization,
		MaxModelLen:           cfg.Scheduler.MaxModelLen,
	}, logger)

	// 6. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Jobs:    handler.NewJobs(manager),
		Outputs: handler.NewOutputs(outputs),
		System:  handler.NewSystem(cfg.Server.Env, cfg.Paths.InputsDir, sched),
	})

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("manager shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
