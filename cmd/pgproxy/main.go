// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command pgproxy is the PostgreSQL wire-protocol proxy: it terminates
// client TLS, re-originates TLS to the upstream database, and deduplicates
// concurrent identical queries through a two-tier cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/cache"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/config"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/health"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/ratelimit"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/server"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/tlsctx"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/upstream"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil && err != config.ErrConfigMissing {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Pattern)
	if err == config.ErrConfigMissing {
		logger.Warn("config file not found, using defaults", slog.String("path", configPath))
	}

	m := metrics.New("pgproxy")
	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		if count > 100000 {
			return fmt.Errorf("too many goroutines: %d", count)
		}
		return nil
	})

	var tlsPair *tlsctx.Pair
	if cfg.SSL.Enabled {
		tlsPair, err = tlsctx.New()
		if err != nil {
			return fmt.Errorf("build tls context: %w", err)
		}
	}

	c := cache.New(cache.Config{
		L1Enabled:    cfg.Cache.L1.Enabled,
		L1MaxSize:    cfg.Cache.L1.MaxSize,
		L2Enabled:    cfg.Cache.L2.Redis.Enabled,
		RedisAddr:    net.JoinHostPort(cfg.Cache.L2.Redis.Host, fmt.Sprintf("%d", cfg.Cache.L2.Redis.Port)),
		RedisTimeout: cfg.RedisTimeout(),
	}, m, logger)
	defer c.Close()

	if cfg.Cache.L2.Redis.Enabled {
		healthChecker.Register("cache_tier2", func(ctx context.Context) error {
			return c.Ping()
		})
	}

	dbAddr := net.JoinHostPort(cfg.Database.Host, fmt.Sprintf("%d", cfg.Database.Port))
	pool := upstream.New(upstream.Config{
		Address:     dbAddr,
		MinSize:     cfg.Database.Pool.MinSize,
		MaxSize:     cfg.Database.Pool.MaxSize,
		IdleTimeout: cfg.PoolIdleTimeout(),
	}, m, logger)
	defer pool.Close()

	healthChecker.Register("upstream_pool", func(ctx context.Context) error {
		conn, err := pool.Get(ctx)
		if err != nil {
			return err
		}
		return conn.Close()
	})

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillPerSecond, 10000)
		defer limiter.Close()
	}

	acceptor := server.New(server.Config{
		ListenAddress:   cfg.Server.ListenAddress,
		ListenPort:      cfg.Server.ListenPort,
		SSLEnabled:      cfg.SSL.Enabled,
		DatabaseAddress: dbAddr,
	}, c, tlsPair, pool, limiter, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return acceptor.Serve(ctx)
	})

	g.Go(func() error {
		return serveAdmin(ctx, cfg.Admin.ListenAddress, cfg.Admin.ListenPort, healthChecker, logger)
	})

	g.Go(func() error {
		return waitForSignal(ctx, cancel, logger)
	})

	logger.Info("pgproxy started",
		slog.String("listen", net.JoinHostPort(cfg.Server.ListenAddress, fmt.Sprintf("%d", cfg.Server.ListenPort))),
		slog.String("database", dbAddr),
		slog.Bool("ssl_enabled", cfg.SSL.Enabled),
		slog.Bool("l1_enabled", cfg.Cache.L1.Enabled),
		slog.Bool("l2_enabled", cfg.Cache.L2.Redis.Enabled))

	err = g.Wait()
	acceptor.Shutdown()
	if err != nil {
		logger.Error("pgproxy terminated with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("pgproxy stopped")
	return nil
}

func serveAdmin(ctx context.Context, address string, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", checker.HTTPHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/livez", health.LivenessHandler())

	addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("admin server listening", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func waitForSignal(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

func newLogger(level, pattern string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if pattern == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
