// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream pre-warms TCP connections to the backend database so
// that a Session's resolve+dial step is usually a channel receive instead
// of a fresh DNS lookup and SYN handshake. A connection handed out of the
// pool is never returned to it: each Session exclusively owns its upstream
// endpoint for its lifetime, so this is pure latency-hiding, not classic
// connection reuse.
package upstream

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
)

// warmConn is a pre-dialed connection sitting in the pool, tagged with the
// time it was dialed so it can be discarded once it has aged past
// IdleTimeout without being claimed. id is a correlation ID distinct from
// the eventual Session ID, used only to trace one dial through the pool's
// own logs.
type warmConn struct {
	id       xid.ID
	conn     net.Conn
	dialedAt time.Time
}

// Config controls pre-warming behavior.
type Config struct {
	// Address is the backend database's host:port.
	Address string
	// MinSize is the number of warm connections the pool tries to keep
	// on hand.
	MinSize int
	// MaxSize bounds concurrent in-flight dial attempts.
	MaxSize int
	// IdleTimeout discards a warm connection that sat unclaimed too long
	// (the backend may have closed it) instead of handing back a dead
	// socket.
	IdleTimeout time.Duration
	// DialTimeout bounds each individual dial attempt.
	DialTimeout time.Duration
}

// Pool maintains a small ring of pre-dialed, not-yet-handshaked backend
// connections.
type Pool struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	ready chan *warmConn
	sem   chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a Pool and its background pre-warming loop. Call Close when
// the acceptor shuts down.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 5
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = cfg.MinSize * 2
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		ready:   make(chan *warmConn, cfg.MinSize),
		sem:     make(chan struct{}, cfg.MaxSize),
		done:    make(chan struct{}),
	}

	go p.fill()
	go p.reap()

	return p
}

// Get returns a pre-warmed connection if one is immediately available,
// otherwise dials a fresh one. The returned connection is now exclusively
// owned by the caller; it must never be handed back to the pool.
func (p *Pool) Get(ctx context.Context) (net.Conn, error) {
	select {
	case wc := <-p.ready:
		p.observeSize()
		if time.Since(wc.dialedAt) > p.cfg.IdleTimeout && p.cfg.IdleTimeout > 0 {
			_ = wc.conn.Close()
			break
		}
		go p.topUp()
		return wc.conn, nil
	default:
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", p.cfg.Address)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PoolDialErrors.Inc()
		}
		return nil, err
	}
	return conn, nil
}

// fill dials up to MinSize warm connections at startup.
func (p *Pool) fill() {
	for i := 0; i < p.cfg.MinSize; i++ {
		p.topUp()
	}
}

// topUp dials one more warm connection, bounded by MaxSize concurrent
// dials via the semaphore.
func (p *Pool) topUp() {
	select {
	case <-p.done:
		return
	case p.sem <- struct{}{}:
	default:
		return
	}
	defer func() { <-p.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()

	id := xid.New()
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", p.cfg.Address)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PoolDialErrors.Inc()
		}
		p.logger.Debug("upstream pre-warm dial failed", slog.String("dial_id", id.String()), slog.String("error", err.Error()))
		return
	}

	select {
	case p.ready <- &warmConn{id: id, conn: conn, dialedAt: time.Now()}:
		p.observeSize()
		p.logger.Debug("upstream pre-warm dial succeeded", slog.String("dial_id", id.String()))
	case <-p.done:
		_ = conn.Close()
	default:
		// Pool is already at capacity; drop the extra connection.
		_ = conn.Close()
	}
}

// reap periodically discards warm connections that aged past IdleTimeout
// and refills the pool back toward MinSize.
func (p *Pool) reap() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.drainStale()
		}
	}
}

func (p *Pool) drainStale() {
	n := len(p.ready)
	for i := 0; i < n; i++ {
		select {
		case wc := <-p.ready:
			if time.Since(wc.dialedAt) > p.cfg.IdleTimeout {
				_ = wc.conn.Close()
				go p.topUp()
				continue
			}
			select {
			case p.ready <- wc:
			default:
				_ = wc.conn.Close()
			}
		default:
			return
		}
	}
	p.observeSize()
}

func (p *Pool) observeSize() {
	if p.metrics != nil {
		p.metrics.PoolWarmConnections.Set(float64(len(p.ready)))
	}
}

// Close stops background dialing and closes every still-warm connection.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		for {
			select {
			case wc := <-p.ready:
				_ = wc.conn.Close()
			default:
				return
			}
		}
	})
}
