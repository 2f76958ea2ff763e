// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/cache"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start echo listener: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestAcceptorRelaysPlaintextConnections(t *testing.T) {
	upstreamAddr := startEchoServer(t)
	c := cache.New(cache.Config{L1Enabled: true, L1MaxSize: 8}, nil, discardLogger())

	acceptor := New(Config{
		ListenAddress:   "127.0.0.1",
		ListenPort:      0,
		DatabaseAddress: upstreamAddr,
	}, c, nil, nil, nil, nil, discardLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	acceptor.cfg.ListenPort = addr.Port

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- acceptor.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port)))
	if err != nil {
		t.Fatalf("failed to dial acceptor: %v", err)
	}
	defer conn.Close()

	// At least 8 bytes: shorter than that, Session.Run treats the first
	// client read as too short to be any valid PostgreSQL startup packet.
	const payload = "ping1234"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("expected echoed bytes, got error: %v", err)
	}
	if string(buf[:n]) != payload {
		t.Errorf("expected %q, got %q", payload, buf[:n])
	}

	cancel()
	acceptor.Shutdown()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestAcceptorRejectsWhenRateLimited(t *testing.T) {
	upstreamAddr := startEchoServer(t)
	c := cache.New(cache.Config{L1Enabled: true, L1MaxSize: 8}, nil, discardLogger())
	limiter := ratelimit.NewLimiter(0, 0, 100)
	defer limiter.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	acceptor := New(Config{
		ListenAddress:   "127.0.0.1",
		ListenPort:      addr.Port,
		DatabaseAddress: upstreamAddr,
	}, c, nil, nil, limiter, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = acceptor.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port)))
	if err != nil {
		t.Fatalf("failed to dial acceptor: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed by rate limiter")
	}

	acceptor.Shutdown()
}
