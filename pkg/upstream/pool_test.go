// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
)

func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start listener: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestPoolGetReturnsWorkingConnection(t *testing.T) {
	addr := startEchoListener(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("pooltest1")

	p := New(Config{Address: addr, MinSize: 2, MaxSize: 4, DialTimeout: time.Second}, m, logger)
	defer p.Close()

	time.Sleep(50 * time.Millisecond) // allow fill() to dial

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	defer conn.Close()

	if conn.RemoteAddr().String() != addr {
		t.Fatalf("expected connection to %s, got %s", addr, conn.RemoteAddr())
	}
}

func TestPoolGetFallsBackToDirectDialWhenEmpty(t *testing.T) {
	addr := startEchoListener(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("pooltest2")

	p := New(Config{Address: addr, MinSize: 0, MaxSize: 1, DialTimeout: time.Second}, m, logger)
	defer p.Close()

	conn, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	conn.Close()
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	addr := startEchoListener(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("pooltest3")

	p := New(Config{Address: addr, MinSize: 1, MaxSize: 1, DialTimeout: time.Second}, m, logger)
	p.Close()
	p.Close() // must not panic
}
