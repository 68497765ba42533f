package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // For pprof profiling
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto_arb/internal/app"
	"crypto_arb/internal/infra"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file (.yaml or .toml)")
	flag.Parse()

	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()
	cfg := bootstrap.Config

	// 3. Build adapters, scanners, risk gate and coordinator
	supervisor, err := app.NewSupervisor(ctx, bootstrap, infra.GlobalMetrics)
	if err != nil {
		slog.Error("❌ Wiring failed", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	// 4. Pprof + Prometheus + status (localhost only)
	if cfg.Metrics.Addr != "" {
		http.Handle("/metrics", infra.MetricsHandler(infra.GlobalMetrics))
		http.Handle("/status", supervisor.StatusHandler())
		server := &http.Server{Addr: cfg.Metrics.Addr, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("🕵️ Pprof/metrics server started", slog.String("addr", cfg.Metrics.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
		defer server.Close()
	}

	slog.InfoContext(ctx, "✨ Arbitrage system fully operational. Press Ctrl+C to exit.",
		slog.String("mode", cfg.App.Mode))

	// 5. Run until shutdown signal or fatal component error
	if err := supervisor.Run(ctx); err != nil {
		slog.Error("❌ Supervisor stopped with error", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	slog.Info("👋 Shutting down gracefully...")
}
