// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server implements the proxy's TCP accept loop: one goroutine per
// accepted client connection, each driving a session.Session to
// completion.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/cache"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/ratelimit"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/session"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/tlsctx"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/upstream"
)

// ShutdownTimeout bounds how long Shutdown waits for in-flight sessions to
// finish relaying before returning.
const ShutdownTimeout = 30 * time.Second

// Config controls the Acceptor's listen address and session wiring.
type Config struct {
	ListenAddress   string
	ListenPort      int
	SSLEnabled      bool
	DatabaseAddress string
	DialTimeout     time.Duration
}

// Acceptor owns the listening socket and spawns a Session per accepted
// connection.
type Acceptor struct {
	cfg      Config
	cache    *cache.Cache
	tlsPair  *tlsctx.Pair
	pool     *upstream.Pool
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu        sync.Mutex
	accepting bool
}

// New constructs an Acceptor. pool and limiter may be nil, disabling
// pre-warming and per-IP rate limiting respectively.
func New(cfg Config, c *cache.Cache, tlsPair *tlsctx.Pair, pool *upstream.Pool, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *Acceptor {
	return &Acceptor{
		cfg:     cfg,
		cache:   c,
		tlsPair: tlsPair,
		pool:    pool,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// Serve binds the listening socket and accepts connections until ctx is
// canceled or Shutdown is called. It blocks until the accept loop exits.
func (a *Acceptor) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.ListenAddress, strconv.Itoa(a.cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln

	a.mu.Lock()
	a.accepting = true
	a.mu.Unlock()

	a.logger.Info("acceptor listening", slog.String("address", addr))

	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			stillAccepting := a.accepting
			a.mu.Unlock()
			if !stillAccepting {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Warn("accept error", slog.String("error", err.Error()))
			continue
		}

		remoteIP := hostOf(conn.RemoteAddr())
		if a.limiter != nil && !a.limiter.Allow(remoteIP) {
			a.logger.Warn("connection rejected by rate limiter", slog.String("remote", remoteIP))
			if a.metrics != nil {
				a.metrics.RateLimitedConnections.Inc()
			}
			_ = conn.Close()
			continue
		}

		a.wg.Add(1)
		go a.handle(ctx, conn)
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	defer a.wg.Done()

	id := uuid.NewString()
	logger := a.logger.With(slog.String("session", id))

	dial := func(ctx context.Context) (net.Conn, error) {
		if a.pool != nil {
			return a.pool.Get(ctx)
		}
		dialCtx, cancel := context.WithTimeout(ctx, a.dialTimeout())
		defer cancel()
		var d net.Dialer
		return d.DialContext(dialCtx, "tcp", a.cfg.DatabaseAddress)
	}

	sess := session.New(id, conn, dial, a.tlsPair, a.cfg.SSLEnabled, a.cache, a.metrics, logger)

	run := func() (string, error) {
		if err := sess.Run(ctx); err != nil {
			return "error", err
		}
		return "closed", nil
	}

	if a.metrics != nil {
		_ = a.metrics.ObserveSession(run)
		return
	}
	_, _ = run()
}

// Shutdown stops accepting new connections and waits (up to
// ShutdownTimeout) for in-flight sessions to finish.
func (a *Acceptor) Shutdown() {
	a.mu.Lock()
	a.accepting = false
	a.mu.Unlock()

	if a.listener != nil {
		_ = a.listener.Close()
	}

	waited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(ShutdownTimeout):
		a.logger.Warn("shutdown timed out waiting for sessions to drain")
	}
}

func (a *Acceptor) dialTimeout() time.Duration {
	if a.cfg.DialTimeout > 0 {
		return a.cfg.DialTimeout
	}
	return 5 * time.Second
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
