// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import "fmt"

// Validate checks cross-field constraints beyond what YAML unmarshalling
// already guarantees.
func (c *Config) Validate() error {
	if c.Server.ListenPort < 1 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listen_port out of range: %d", c.Server.ListenPort)
	}
	if c.Server.NumThreads < 1 {
		return fmt.Errorf("server.num_threads must be at least 1, got %d", c.Server.NumThreads)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host must be set")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port out of range: %d", c.Database.Port)
	}
	if c.Cache.L1.Enabled && c.Cache.L1.MaxSize < 1 {
		return fmt.Errorf("cache.l1.max_size must be at least 1 when cache.l1.enabled is true, got %d", c.Cache.L1.MaxSize)
	}
	if c.Cache.L2.Redis.Enabled && c.Cache.L2.Redis.TimeoutMs <= 0 {
		return fmt.Errorf("cache.l2.redis.timeout_ms must be positive when cache.l2.redis.enabled is true, got %d", c.Cache.L2.Redis.TimeoutMs)
	}
	if c.Database.Pool.MinSize < 0 || c.Database.Pool.MaxSize < c.Database.Pool.MinSize {
		return fmt.Errorf("database.pool.max_size (%d) must be >= database.pool.min_size (%d)", c.Database.Pool.MaxSize, c.Database.Pool.MinSize)
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.Capacity < 1 || c.Server.RateLimit.RefillPerSecond < 1) {
		return fmt.Errorf("server.rate_limit.capacity and refill_per_second must be positive when enabled")
	}
	return nil
}
