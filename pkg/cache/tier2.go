// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/vinis1910/SingleFlightProxyServer/pkg/breaker"
	pgerrors "github.com/vinis1910/SingleFlightProxyServer/pkg/errors"
	"github.com/vinis1910/SingleFlightProxyServer/pkg/metrics"
)

// tier2TTL is how long a Tier-2 entry survives, matching the original's
// "SETEX ... 3600" one-hour expiry.
const tier2TTL = time.Hour

// tier2Key builds the single, consistently-named Redis key for a digest.
// The original implementation declared two names for this string ("key" and
// "redis_key") and used the undeclared one inside getL2, a bug this helper
// eliminates by construction: every Tier-2 access goes through tier2Key.
func tier2Key(digest string) string {
	return "query:" + digest
}

// tier2 wraps a Redis client with reconnect-and-retry-once-then-disable
// resilience, matching QueryCache::getL2/putL2/connectRedis/disconnectRedis.
type tier2 struct {
	mu      sync.RWMutex
	client  *goredis.Client
	breaker *breaker.CircuitBreaker
	logger  *slog.Logger

	addr     string
	password string
	db       int
	timeout  time.Duration
	enabled  bool
}

// newTier2 connects to Redis if addr is non-empty. A failed initial
// connection disables Tier-2 for the process lifetime, matching
// connectRedis's behavior of leaving redis_enabled_ false rather than
// retrying indefinitely at startup.
func newTier2(addr, password string, db int, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *tier2 {
	t := &tier2{
		addr:     addr,
		password: password,
		db:       db,
		timeout:  timeout,
		logger:   logger,
		breaker: breaker.New(breaker.Config{
			MaxFailures:      3,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 1,
			Timeout:          timeout,
		}),
	}

	if m != nil {
		t.breaker.OnStateChange(func(from, to breaker.State) {
			m.CircuitBreakerState.Set(float64(to))
			if to == breaker.StateOpen {
				m.CircuitBreakerTrips.Inc()
			}
		})
	}

	if addr == "" {
		return t
	}

	if err := t.connect(); err != nil {
		logger.Warn("tier2 cache disabled: initial redis connection failed", slog.String("error", err.Error()))
	}

	return t
}

func (t *tier2) connect() error {
	client := goredis.NewClient(&goredis.Options{
		Addr:        t.addr,
		Password:    t.password,
		DB:          t.db,
		DialTimeout: t.timeout,
		ReadTimeout: t.timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.mu.Lock()
		t.client = nil
		t.enabled = false
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.client = client
	t.enabled = true
	t.mu.Unlock()

	t.logger.Info("tier2 cache connected", slog.String("addr", t.addr))
	return nil
}

func (t *tier2) disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
	t.enabled = false
}

func (t *tier2) isEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *tier2) currentClient() *goredis.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

// get fetches a value, reconnecting and retrying exactly once on failure
// before giving up for this call, matching getL2's disconnect+reconnect
// retry.
func (t *tier2) get(digest string) (string, bool) {
	if !t.isEnabled() {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	key := tier2Key(digest)
	client := t.currentClient()
	val, err := client.Get(ctx, key).Result()
	if err == nil {
		return val, true
	}
	if err == goredis.Nil {
		return "", false
	}

	if !t.reconnect() {
		return "", false
	}

	client = t.currentClient()
	val, err = client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// put stores a value with a one-hour TTL, reconnecting and retrying once on
// failure, matching putL2.
func (t *tier2) put(digest, value string) {
	if !t.isEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	key := tier2Key(digest)
	client := t.currentClient()
	if err := client.Set(ctx, key, value, tier2TTL).Err(); err == nil {
		return
	}

	if !t.reconnect() {
		return
	}
	client = t.currentClient()
	if err := client.Set(ctx, key, value, tier2TTL).Err(); err != nil {
		t.logger.Warn("tier2 put failed after reconnect", slog.String("error", err.Error()))
	}
}

func (t *tier2) reconnect() bool {
	err := t.breaker.Call(func() error {
		t.disconnect()
		return t.connect()
	})
	return err == nil
}

// ping reports whether Tier-2 currently answers, without perturbing the
// circuit breaker or the reconnect-once retry path used by get/put.
func (t *tier2) ping() error {
	if !t.isEnabled() {
		return pgerrors.ErrCacheDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.currentClient().Ping(ctx).Err()
}

func (t *tier2) flush() {
	if !t.isEnabled() {
		return
	}
	client := t.currentClient()
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.logger.Warn("tier2 flush failed", slog.String("error", err.Error()))
	}
}
