// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.listen_port", 6000)
	v.SetDefault("server.num_threads", 4)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.capacity", 100)
	v.SetDefault("server.rate_limit.refill_per_second", 20)

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.pool.min_size", 5)
	v.SetDefault("database.pool.max_size", 20)
	v.SetDefault("database.pool.idle_timeout_seconds", 300)

	v.SetDefault("cache.l1.enabled", true)
	v.SetDefault("cache.l1.max_size", 1000)
	v.SetDefault("cache.l2.redis.enabled", false)
	v.SetDefault("cache.l2.redis.host", "127.0.0.1")
	v.SetDefault("cache.l2.redis.port", 6379)
	v.SetDefault("cache.l2.redis.timeout_ms", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pattern", "json")

	v.SetDefault("ssl.enabled", true)

	v.SetDefault("admin.listen_address", "0.0.0.0")
	v.SetDefault("admin.listen_port", 9090)
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("PGPROXY")
	_ = v.BindEnv("server.listen_address", "PGPROXY_LISTEN_ADDRESS")
	_ = v.BindEnv("server.listen_port", "PGPROXY_LISTEN_PORT")
	_ = v.BindEnv("database.host", "PGPROXY_DB_HOST")
	_ = v.BindEnv("database.port", "PGPROXY_DB_PORT")
	_ = v.BindEnv("cache.l2.redis.enabled", "PGPROXY_REDIS_ENABLED")
	_ = v.BindEnv("cache.l2.redis.host", "PGPROXY_REDIS_HOST")
	_ = v.BindEnv("cache.l2.redis.port", "PGPROXY_REDIS_PORT")
	_ = v.BindEnv("logging.level", "PGPROXY_LOG_LEVEL")
	_ = v.BindEnv("ssl.enabled", "PGPROXY_SSL_ENABLED")
}
