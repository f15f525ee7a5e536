// Copyright (c) Wayfinder Systems
// SPDX-License-Identifier: Apache-2.0

// Package main runs the navigation gateway: the raw TCP frame listener, the
// optional HTTP tunnel, and the metrics and health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	wayfinder "github.com/wayfinder/Wayfinder-Server-sub016"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/auth"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/breaker"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/directory"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/dispatch"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/handler"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/health"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/httptunnel"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/metrics"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/pool"
	"github.com/wayfinder/Wayfinder-Server-sub016/pkg/ratelimit"
	tcpserver "github.com/wayfinder/Wayfinder-Server-sub016/pkg/server/tcp"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "WFGATEWAY_"

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := wayfinder.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting navigation gateway",
		slog.String("tcp_address", cfg.TCPAddress),
		slog.String("tunnel_address", cfg.TunnelAddress),
		slog.Int("max_connections", cfg.MaxConnections))

	m := metrics.New("wfgateway")
	go startMetricsServer(cfg.MetricsPort, logger)

	// Worker pool shared by both transports.
	workers := dispatch.New(dispatch.Config{
		MinWorkers:          cfg.MinWorkers,
		MaxWorkers:          cfg.MaxWorkers,
		QueueFullFactor:     cfg.QueueFullFactor,
		QueueOverFullFactor: cfg.QueueOverFullFactor,
		IdleTimeout:         cfg.WorkerIdleTimeout,
		Logger:              logger,
		Metrics:             m,
	})
	defer workers.Close()

	dir, dirClose := buildDirectory(cfg, logger)
	defer dirClose()

	authn := auth.New(dir, auth.Config{
		RedirectURL: cfg.RedirectURL,
		UpgradeURL:  cfg.UpgradeURL,
		Defaults: directory.Defaults{
			Subscription:     directory.SubscriptionTrial,
			TrialDuration:    cfg.TrialDuration,
			TransactionsLeft: -1,
		},
		TrialDuration:    cfg.TrialDuration,
		DirectoryTimeout: cfg.DirectoryTimeout,
	}, logger)

	h := handler.NewLogging(handler.Noop{}, logger)

	limiter := ratelimit.NewLimiter(cfg.RateLimitBurst, cfg.RateLimitRefill, cfg.RateLimitMaxPeers)
	defer limiter.Close()

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		m.GoroutinesActive.WithLabelValues("all").Set(float64(count))
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	healthChecker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})
	healthChecker.Register("dispatcher", func(ctx context.Context) error {
		count, queued := workers.Stats()
		full := int(cfg.QueueFullFactor * cfg.QueueOverFullFactor * float64(cfg.MaxWorkers))
		if full > 0 && queued >= full {
			return fmt.Errorf("dispatch queue saturated: %d queued across %d workers", queued, count)
		}
		return nil
	})
	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	tcpSrv := tcpserver.New(tcpserver.Config{
		Address:          cfg.TCPAddress,
		MaxPayload:       cfg.MaxPayload,
		STXScanBudget:    cfg.STXScanBudget,
		RequestTimeout:   cfg.RequestTimeout,
		KeepaliveTimeout: cfg.KeepaliveTimeout,
		DrainTimeout:     cfg.DrainTimeout,
		MaxConnections:   cfg.MaxConnections,
		Metrics:          m,
		Limiter:          limiter,
	}, authn, h, workers, logger)

	if err := tcpSrv.Listen(); err != nil {
		logger.Error("TCP listener failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("TCP listener started", slog.String("address", tcpSrv.Addr().String()))
	g.Go(func() error {
		return tcpSrv.Serve(ctx)
	})

	healthChecker.Register("tcp_listener", func(ctx context.Context) error {
		if n := tcpSrv.ConnCount(); n >= cfg.MaxConnections {
			return fmt.Errorf("connection table full: %d", n)
		}
		return nil
	})

	if cfg.TunnelAddress != "" {
		tunnelSrv := httptunnel.New(httptunnel.Config{
			Address:         cfg.TunnelAddress,
			MaxPayload:      cfg.MaxPayload,
			RequestTimeout:  cfg.RequestTimeout,
			SessionIdle:     cfg.TunnelSessionIdle,
			ShutdownTimeout: cfg.ShutdownTimeout,
			TLSConfig:       cfg.TLSConfig,
			Metrics:         m,
		}, authn, h, workers, logger)

		logger.Info("HTTP tunnel started", slog.String("address", cfg.TunnelAddress))
		g.Go(func() error {
			return tunnelSrv.Listen(ctx)
		})
	}

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway terminated", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// buildDirectory selects the in-memory directory or the remote user-module
// client depending on configuration, returning a cleanup func.
func buildDirectory(cfg wayfinder.Config, logger *slog.Logger) (directory.Directory, func()) {
	if cfg.DirectoryAddress == "" {
		logger.Warn("no directory backend configured, using in-memory directory")
		return directory.NewMemory(), func() {}
	}

	client := directory.NewClient(directory.ClientConfig{
		Address:     cfg.DirectoryAddress,
		CallTimeout: cfg.DirectoryTimeout,
		Pool: pool.Config{
			MaxIdle:     cfg.PoolMaxIdle,
			MaxActive:   cfg.PoolMaxActive,
			IdleTimeout: cfg.PoolIdleTimeout,
			DialTimeout: cfg.DirectoryTimeout,
			WaitTimeout: cfg.PoolWaitTimeout,
		},
		Breaker: breaker.Config{
			MaxFailures:      cfg.BreakerMaxFailures,
			ResetTimeout:     cfg.BreakerResetTimeout,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
		},
		Logger: logger,
	})
	logger.Info("remote directory configured", slog.String("address", cfg.DirectoryAddress))
	return client, func() {
		if err := client.Close(); err != nil {
			logger.Warn("directory client close", slog.String("error", err.Error()))
		}
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
