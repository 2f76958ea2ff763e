// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-connection PostgreSQL wire-protocol
// bridge: TLS negotiation on both sides of the proxy and, once relaying,
// single-flight-coordinated query caching on the client→server direction.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/cache"
	pgerrors "github.com/vinis1910/SingleFlightProxyServer/pkg/errors"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/tlsctx"
)

const bufferSize = 8192

// DialFunc dials the upstream database. It is supplied by the Acceptor so
// that sessions can transparently draw from the pre-warm pool.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Session bridges one client connection to one upstream database
// connection, following the seven-state machine described by the wire
// protocol's startup dance and subsequent relaying.
type Session struct {
	id         string
	remoteAddr string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cache      *cache.Cache
	tlsPair    *tlsctx.Pair
	dial       DialFunc
	sslEnabled bool

	client net.Conn
	server net.Conn

	clientWriteMu sync.Mutex
	serverWriteMu sync.Mutex

	destroying   atomic.Bool
	clientClosed atomic.Bool
	serverClosed atomic.Bool

	queryMu            sync.Mutex
	pendingLeaderQuery string
}

// New constructs a Session for an already-accepted client connection. Run
// must be called to drive it to completion.
func New(id string, client net.Conn, dial DialFunc, tlsPair *tlsctx.Pair, sslEnabled bool, c *cache.Cache, m *metrics.Metrics, logger *slog.Logger) *Session {
	return &Session{
		id:         id,
		remoteAddr: client.RemoteAddr().String(),
		logger:     logger.With(slog.String("session", id), slog.String("remote", client.RemoteAddr().String())),
		metrics:    m,
		cache:      c,
		tlsPair:    tlsPair,
		dial:       dial,
		sslEnabled: sslEnabled,
		client:     client,
	}
}

// Run drives the Session through ResolvingUpstream, AwaitingStartup, and
// (if TLS is negotiated) ProbingUpstreamTls/HandshakingBoth/PostTlsStartup,
// then relays bytes until both directions are closed. It always returns
// after Terminal is reached; close() is idempotent and may already have
// run by the time Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	server, err := s.dial(ctx)
	if err != nil {
		s.logger.Error("failed to connect to upstream", slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.BackendConnectErrors.Inc()
		}
		return pgerrors.New("connect", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrBackendUnavailable, err))
	}
	s.server = server
	if s.metrics != nil {
		s.metrics.BackendActiveConns.Inc()
		defer s.metrics.BackendActiveConns.Dec()
	}

	buf := make([]byte, bufferSize)
	n, err := s.client.Read(buf)
	if err != nil {
		if isBenignClose(err) {
			s.logger.Debug("client closed before startup packet", slog.String("error", err.Error()))
			return nil
		}
		return pgerrors.New("io-read", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
	}

	// Every valid startup message, SSLRequest included, begins with an
	// 8-byte length+code/version header; anything shorter cannot be a
	// PostgreSQL startup packet at all.
	if n < 8 {
		return pgerrors.New("startup", s.id, s.remoteAddr, fmt.Errorf("%w: startup packet too short (%d bytes)", pgerrors.ErrProtocolViolation, n))
	}

	if s.sslEnabled && isSSLRequest(buf, n) {
		if err := s.negotiateTLS(ctx); err != nil {
			return err
		}
	} else {
		if err := s.writeServer(buf[:n]); err != nil {
			return pgerrors.New("io-write", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
		}
	}

	s.relay(ctx)
	return nil
}

// negotiateTLS implements ProbingUpstreamTls and, if the upstream
// supports TLS, HandshakingBoth and PostTlsStartup.
func (s *Session) negotiateTLS(ctx context.Context) error {
	if _, err := s.server.Write(sslRequestBytes[:]); err != nil {
		return pgerrors.New("io-write", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
	}

	resp := make([]byte, 1)
	if _, err := s.server.Read(resp); err != nil {
		if isBenignClose(err) {
			return nil
		}
		return pgerrors.New("io-read", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
	}

	if resp[0] != 'S' {
		s.logger.Info("upstream does not support TLS, continuing plaintext")
		if _, err := s.client.Write([]byte("N")); err != nil {
			return pgerrors.New("io-write", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
		}
		// The client now sends its real startup packet in plaintext; the
		// relaying loop picks it up on its next client read like any other
		// client→server bytes.
		return nil
	}

	if _, err := s.client.Write([]byte("S")); err != nil {
		return pgerrors.New("io-write", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
	}

	clientTLS := tls.Server(s.client, s.tlsPair.ServerConfig)
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		if s.metrics != nil {
			s.metrics.TLSHandshakes.WithLabelValues("client", "error").Inc()
		}
		return pgerrors.New("handshake", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrHandshakeFailed, err))
	}
	s.client = clientTLS
	if s.metrics != nil {
		s.metrics.TLSHandshakes.WithLabelValues("client", "ok").Inc()
	}

	serverTLS := tls.Client(s.server, s.tlsPair.ClientConfig)
	if err := serverTLS.HandshakeContext(ctx); err != nil {
		if s.metrics != nil {
			s.metrics.TLSHandshakes.WithLabelValues("upstream", "error").Inc()
		}
		return pgerrors.New("handshake", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrHandshakeFailed, err))
	}
	s.server = serverTLS
	if s.metrics != nil {
		s.metrics.TLSHandshakes.WithLabelValues("upstream", "ok").Inc()
	}

	buf := make([]byte, bufferSize)
	n, err := s.client.Read(buf)
	if err != nil {
		if isBenignClose(err) {
			return nil
		}
		return pgerrors.New("io-read", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
	}

	if err := s.writeServer(buf[:n]); err != nil {
		return pgerrors.New("io-write", s.id, s.remoteAddr, fmt.Errorf("%w: %v", pgerrors.ErrConnectionClosed, err))
	}

	return nil
}

// relay runs the Relaying state: two independent loops until both
// directions have reached EOF or a fatal error.
func (s *Session) relay(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.relayClientToServer(ctx)
	}()
	go func() {
		defer wg.Done()
		s.relayServerToClient(ctx)
	}()

	wg.Wait()
}

func (s *Session) relayClientToServer(ctx context.Context) {
	buf := make([]byte, bufferSize)
	for {
		if s.destroying.Load() {
			return
		}

		n, err := s.client.Read(buf)
		if err != nil {
			s.handleReadError("client", err, &s.clientClosed)
			if s.clientClosed.Load() && !s.destroying.Load() {
				// Pass the client's end-of-stream on to the upstream so it
				// can finish and close its side as well.
				s.serverWriteMu.Lock()
				if cw, ok := s.server.(interface{ CloseWrite() error }); ok {
					_ = cw.CloseWrite()
				}
				s.serverWriteMu.Unlock()
			}
			return
		}

		if isQuery(buf, n) {
			query := extractQuery(buf, n)
			if query != "" {
				if s.handleQuery(query) {
					continue // cache hit or waiter: do not forward upstream
				}
				s.setPendingLeaderQuery(query)
			}
		}

		if s.serverClosed.Load() {
			return
		}
		if err := s.writeServer(buf[:n]); err != nil {
			if isBenignClose(err) {
				s.logger.Debug("benign write error to upstream", slog.String("error", err.Error()))
				return
			}
			s.logger.Warn("failed to write to upstream", slog.String("error", err.Error()))
			s.close()
			return
		}
	}
}

func (s *Session) relayServerToClient(ctx context.Context) {
	buf := make([]byte, bufferSize)
	for {
		if s.destroying.Load() {
			return
		}
		if s.serverClosed.Load() {
			return
		}

		n, err := s.server.Read(buf)
		if err != nil {
			s.handleReadError("upstream", err, &s.serverClosed)
			return
		}

		if query := s.takePendingLeaderQuery(); query != "" {
			result := string(buf[:n])
			s.cache.NotifyFlightResult(query, result)
			s.logger.Info("single-flight leader notified waiters", slog.String("query", query), slog.Int("bytes", n))
		}

		if s.clientClosed.Load() {
			return
		}
		if err := s.writeClient(buf[:n]); err != nil {
			if isBenignClose(err) {
				s.logger.Debug("benign write error to client", slog.String("error", err.Error()))
				return
			}
			s.logger.Warn("failed to write to client", slog.String("error", err.Error()))
			s.close()
			return
		}
	}
}

// handleQuery runs the leader/waiter protocol for one recognized Query
// frame and reports whether the caller should skip forwarding it upstream
// (true for CacheHit and IsWaiter, false for IsLeader).
func (s *Session) handleQuery(query string) (skipForward bool) {
	outcome := s.cache.DoSingleFlight(query, func(result string) {
		if s.destroying.Load() {
			return
		}
		if err := s.writeClient([]byte(result)); err != nil && !isBenignClose(err) {
			s.logger.Warn("failed to deliver cached/waiter result", slog.String("error", err.Error()))
		}
	})

	switch outcome {
	case cache.CacheHit:
		return true
	case cache.IsWaiter:
		return true
	default: // cache.IsLeader
		return false
	}
}

func (s *Session) setPendingLeaderQuery(query string) {
	s.queryMu.Lock()
	s.pendingLeaderQuery = query
	s.queryMu.Unlock()
}

func (s *Session) takePendingLeaderQuery() string {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	q := s.pendingLeaderQuery
	s.pendingLeaderQuery = ""
	return q
}

func (s *Session) handleReadError(side string, err error, closedFlag *atomic.Bool) {
	if isBenignClose(err) {
		closedFlag.Store(true)
		s.logger.Debug(side+" read ended", slog.String("error", err.Error()))
		if s.clientClosed.Load() && s.serverClosed.Load() {
			s.close()
		}
		return
	}
	s.logger.Warn(side+" read error", slog.String("error", err.Error()))
	s.close()
}

func (s *Session) writeClient(b []byte) error {
	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()
	_, err := s.client.Write(b)
	return err
}

func (s *Session) writeServer(b []byte) error {
	s.serverWriteMu.Lock()
	defer s.serverWriteMu.Unlock()
	_, err := s.server.Write(b)
	return err
}

// close tears the session down exactly once: it cancels and closes both
// endpoints, matching Session::close / Session::cleanup_sockets.
func (s *Session) close() {
	if !s.destroying.CompareAndSwap(false, true) {
		return
	}

	s.logger.Debug("closing session")

	if tlsConn, ok := s.client.(*tls.Conn); ok {
		_ = tlsConn.Close()
	} else if s.client != nil {
		_ = s.client.Close()
	}

	if tlsConn, ok := s.server.(*tls.Conn); ok {
		_ = tlsConn.Close()
	} else if s.server != nil {
		_ = s.server.Close()
	}
}
