// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the two-tier query cache: a bounded in-process
// LRU (Tier-1) fronting an optional Redis-backed store (Tier-2), combined
// with single-flight coordination so identical concurrent queries only
// execute once against the upstream database.
package cache

import (
	"crypto/md5" //nolint:gosec // used as a content digest, not for authentication
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/coordinator"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
)

// FlightResult reports how a query was resolved by DoSingleFlight.
type FlightResult int

const (
	// CacheHit means the result was already cached and onResult was
	// invoked synchronously.
	CacheHit FlightResult = iota
	// IsLeader means the caller must execute the query and eventually
	// call NotifyFlightResult.
	IsLeader
	// IsWaiter means another caller is already the leader for this
	// query; onResult fires when NotifyFlightResult is called.
	IsWaiter
)

// Config controls how the cache is constructed.
type Config struct {
	L1Enabled    bool
	L1MaxSize    int
	L2Enabled    bool
	RedisAddr    string
	RedisPassword string
	RedisDB      int
	RedisTimeout time.Duration
}

// Stats mirrors QueryCache::Stats.
type Stats struct {
	L1Hits   uint64
	L1Misses uint64
	L2Hits   uint64
	L2Misses uint64
	L1Size   int
}

// Cache is the two-tier query cache with single-flight coordination.
type Cache struct {
	l1          *lru
	l2          *tier2
	l2Enabled   bool
	coordinator *coordinator.Coordinator
	metrics     *metrics.Metrics
	logger      *slog.Logger

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Cache. If cfg.L2Enabled is false, or RedisAddr is empty,
// or the initial Redis connection fails, Tier-2 is transparently disabled
// and every lookup falls through to the upstream leader path.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Cache {
	c := &Cache{
		l1:          newLRU(cfg.L1MaxSize, cfg.L1Enabled),
		coordinator: coordinator.New(logger),
		metrics:     m,
		logger:      logger,
		l2Enabled:   cfg.L2Enabled,
	}

	if cfg.L2Enabled {
		c.l2 = newTier2(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTimeout, m, logger)
	}

	return c
}

// digest returns the 128-bit MD5 hex digest used as the cache key,
// matching QueryCache::hash_query.
func digest(query string) string {
	sum := md5.Sum([]byte(query)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// get looks up query in Tier-1, then Tier-2, promoting a Tier-2 hit into
// Tier-1, matching QueryCache::get.
func (c *Cache) get(query string) (string, bool) {
	key := digest(query)

	if val, ok := c.l1.get(key); ok {
		c.recordStat(true, false, false)
		return val, true
	}

	if c.l2Enabled && c.l2 != nil && c.l2.isEnabled() {
		if val, ok := c.l2.get(key); ok {
			c.l1.put(key, val)
			c.recordStat(false, true, true)
			return val, true
		}
		c.recordStat(false, false, true)
		return "", false
	}

	c.recordStat(false, false, false)
	return "", false
}

// put writes result into both tiers, matching QueryCache::put.
func (c *Cache) put(query, result string) {
	key := digest(query)
	c.l1.put(key, result)
	if c.l2Enabled && c.l2 != nil {
		c.l2.put(key, result)
	}
}

// DoSingleFlight is the entry point a Session calls on a client→server SQL
// query. It reports CacheHit (calling onResult immediately), IsLeader (the
// caller must forward the query upstream and eventually call
// NotifyFlightResult), or IsWaiter (onResult will fire later).
func (c *Cache) DoSingleFlight(query string, onResult func(result string)) FlightResult {
	if val, ok := c.get(query); ok {
		c.logger.Debug("cache hit", slog.String("query", query))
		onResult(val)
		c.observeOutcome("hit")
		return CacheHit
	}

	key := digest(query)
	switch c.coordinator.Begin(key, onResult) {
	case coordinator.IsLeader:
		c.observeOutcome("leader")
		c.observeRole("leader")
		return IsLeader
	default:
		c.observeOutcome("waiter")
		c.observeRole("waiter")
		return IsWaiter
	}
}

// NotifyFlightResult stores the leader's result and releases any waiters,
// matching QueryCache::notifyFlightResult.
func (c *Cache) NotifyFlightResult(query, result string) {
	c.put(query, result)
	c.coordinator.Notify(digest(query), result)
}

// Clear empties both tiers and the in-flight coordinator state, matching
// QueryCache::clear.
func (c *Cache) Clear() {
	c.l1.clear()
	if c.l2Enabled && c.l2 != nil {
		c.l2.flush()
	}
	c.coordinator.Clear()

	c.statsMu.Lock()
	c.stats = Stats{}
	c.statsMu.Unlock()
}

// Close releases the Tier-2 connection, if any.
func (c *Cache) Close() {
	if c.l2 != nil {
		c.l2.disconnect()
	}
}

// Ping reports whether Tier-2 is reachable. It always succeeds when Tier-2
// is disabled, since the cache degrades to Tier-1-only operation.
func (c *Cache) Ping() error {
	if !c.l2Enabled || c.l2 == nil {
		return nil
	}
	return c.l2.ping()
}

// recordStat updates hit/miss counters for one lookup. l2Attempted must be
// true only when Tier-2 was actually consulted; when Tier-2 is disabled,
// neither L2Hits nor L2Misses should move.
func (c *Cache) recordStat(l1Hit, l2Hit, l2Attempted bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	if l1Hit {
		c.stats.L1Hits++
		return
	}
	c.stats.L1Misses++
	if !l2Attempted {
		return
	}
	if l2Hit {
		c.stats.L2Hits++
	} else {
		c.stats.L2Misses++
	}
}

func (c *Cache) observeOutcome(outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Cache) observeRole(role string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoordinatorRoles.WithLabelValues(role).Inc()
}

// Stats returns a snapshot of cache hit/miss counters and current Tier-1
// size, matching QueryCache::getStats.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats
	s.L1Size = c.l1.len()
	return s
}
