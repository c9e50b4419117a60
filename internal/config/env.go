// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/runfeed/runfeed/internal/log"
)

// FromEnv builds a Config from RUNFEED_* environment variables layered over
// the defaults. Unparseable values fall back to the default and are logged.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = parseString("RUNFEED_LISTEN_ADDR", cfg.ListenAddr)
	cfg.RedisURL = parseString("RUNFEED_REDIS_URL", cfg.RedisURL)
	cfg.DBPath = parseString("RUNFEED_DB_PATH", cfg.DBPath)
	cfg.ProviderBaseURL = parseString("RUNFEED_PROVIDER_URL", cfg.ProviderBaseURL)
	cfg.ProviderToken = parseString("RUNFEED_PROVIDER_TOKEN", cfg.ProviderToken)
	cfg.WebhookSecret = parseString("RUNFEED_WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.LogLevel = parseString("RUNFEED_LOG_LEVEL", cfg.LogLevel)

	cfg.HeartbeatInterval = parseDuration("RUNFEED_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.ConnectionTTL = parseDuration("RUNFEED_CONNECTION_TTL", cfg.ConnectionTTL)
	cfg.QueueTTL = parseDuration("RUNFEED_QUEUE_TTL", cfg.QueueTTL)
	cfg.QueueMaxLen = parseInt("RUNFEED_QUEUE_MAX_LEN", cfg.QueueMaxLen)

	cfg.ActiveCacheTTL = parseDuration("RUNFEED_ACTIVE_CACHE_TTL", cfg.ActiveCacheTTL)
	cfg.InactiveCacheTTL = parseDuration("RUNFEED_INACTIVE_CACHE_TTL", cfg.InactiveCacheTTL)
	cfg.HotWindow = parseDuration("RUNFEED_HOT_WINDOW", cfg.HotWindow)
	cfg.ColdGrace = parseDuration("RUNFEED_COLD_GRACE", cfg.ColdGrace)
	cfg.MinSyncInterval = parseDuration("RUNFEED_MIN_SYNC_INTERVAL", cfg.MinSyncInterval)
	cfg.MaxSyncInterval = parseDuration("RUNFEED_MAX_SYNC_INTERVAL", cfg.MaxSyncInterval)
	cfg.StartInterval = parseDuration("RUNFEED_START_INTERVAL", cfg.StartInterval)
	cfg.HourlyCallLimit = parseInt("RUNFEED_HOURLY_CALL_LIMIT", cfg.HourlyCallLimit)
	cfg.ThrottleFraction = parseFloat("RUNFEED_THROTTLE_FRACTION", cfg.ThrottleFraction)
}

// parseString reads a string from an environment variable or returns the default.
func parseString(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		logger := log.WithComponent("config")
		if strings.Contains(strings.ToLower(key), "secret") {
			logger.Debug().Str("key", key).Bool("sensitive", true).
				Msg("using environment variable")
		} else {
			logger.Debug().Str("key", key).Str("value", value).
				Msg("using environment variable")
		}
		return value
	}
	return defaultValue
}

// parseInt reads an integer from an environment variable, falling back to the
// default on parse errors.
func parseInt(key string, defaultValue int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).
			Int("default", defaultValue).Msg("invalid integer, using default")
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).
			Float64("default", defaultValue).Msg("invalid float, using default")
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("45s", "2m") and bare seconds.
func parseDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	logger := log.WithComponent("config")
	logger.Warn().Str("key", key).Str("value", v).
		Dur("default", defaultValue).Msg("invalid duration, using default")
	return defaultValue
}
