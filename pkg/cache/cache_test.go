// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// metrics.New registers with the global Prometheus registry, so each
	// test needs its own namespace.
	m := metrics.New(t.Name())
	return New(Config{
		L1Enabled: true,
		L1MaxSize: 128,
		L2Enabled: false,
	}, m, logger)
}

func TestDoSingleFlightFirstCallerIsLeader(t *testing.T) {
	c := testCache(t)
	result := c.DoSingleFlight("SELECT 1", func(string) { t.Fatal("leader must not be notified via callback") })
	if result != IsLeader {
		t.Fatalf("expected IsLeader, got %v", result)
	}
}

func TestDoSingleFlightWaiterReceivesLeaderResult(t *testing.T) {
	c := testCache(t)
	c.DoSingleFlight("SELECT 1", func(string) {})

	var got string
	result := c.DoSingleFlight("SELECT 1", func(r string) { got = r })
	if result != IsWaiter {
		t.Fatalf("expected IsWaiter, got %v", result)
	}

	c.NotifyFlightResult("SELECT 1", "rows...")

	if got != "rows..." {
		t.Fatalf("expected waiter to receive leader result, got %q", got)
	}
}

func TestDoSingleFlightCacheHitAfterNotify(t *testing.T) {
	c := testCache(t)
	c.DoSingleFlight("SELECT 1", func(string) {})
	c.NotifyFlightResult("SELECT 1", "rows...")

	var got string
	result := c.DoSingleFlight("SELECT 1", func(r string) { got = r })
	if result != CacheHit {
		t.Fatalf("expected CacheHit, got %v", result)
	}
	if got != "rows..." {
		t.Fatalf("expected cached rows, got %q", got)
	}
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	c := testCache(t)
	c.DoSingleFlight("SELECT 1", func(string) {}) // miss, leader
	c.NotifyFlightResult("SELECT 1", "rows")
	c.DoSingleFlight("SELECT 1", func(string) {}) // hit

	stats := c.Stats()
	if stats.L1Hits != 1 {
		t.Errorf("expected 1 L1 hit, got %d", stats.L1Hits)
	}
	if stats.L1Misses != 1 {
		t.Errorf("expected 1 L1 miss, got %d", stats.L1Misses)
	}
	if stats.L1Size != 1 {
		t.Errorf("expected L1 size 1, got %d", stats.L1Size)
	}
}

func TestStatsLeaveL2CountersUntouchedWhenTier2Disabled(t *testing.T) {
	c := testCache(t) // L2Enabled: false
	c.DoSingleFlight("SELECT 1", func(string) {})

	stats := c.Stats()
	if stats.L2Hits != 0 || stats.L2Misses != 0 {
		t.Fatalf("expected L2 counters untouched with tier2 disabled, got hits=%d misses=%d", stats.L2Hits, stats.L2Misses)
	}
}

func TestClearResetsEverything(t *testing.T) {
	c := testCache(t)
	c.DoSingleFlight("SELECT 1", func(string) {})
	c.NotifyFlightResult("SELECT 1", "rows")

	c.Clear()

	stats := c.Stats()
	if stats != (Stats{}) {
		t.Fatalf("expected zeroed stats after Clear, got %+v", stats)
	}

	// A fresh Begin for the same query must be a leader again, since the
	// cache entry and any coordinator state have been cleared.
	result := c.DoSingleFlight("SELECT 1", func(string) {})
	if result != IsLeader {
		t.Fatalf("expected IsLeader after Clear, got %v", result)
	}
}

func TestDigestIsStableMD5Hex(t *testing.T) {
	a := digest("SELECT 1")
	b := digest("SELECT 1")
	if a != b {
		t.Fatal("expected digest to be deterministic")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars (128 bits), got %d", len(a))
	}
}

func TestTier2KeyNamespacing(t *testing.T) {
	if got := tier2Key("abc"); got != "query:abc" {
		t.Fatalf("expected query:abc, got %q", got)
	}
}

func TestL2DisabledSkipsRedis(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("test2")
	c := New(Config{L1Enabled: true, L1MaxSize: 8, L2Enabled: true, RedisAddr: "", RedisTimeout: time.Second}, m, logger)
	if c.l2.isEnabled() {
		t.Fatal("expected tier2 to be disabled when RedisAddr is empty")
	}
}
