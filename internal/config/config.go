// SPDX-License-Identifier: MIT

// Package config holds the runfeed daemon configuration and its
// environment/file loading rules.
package config

import (
	"fmt"
	"time"
)

// Config captures every recognized runfeed option. Zero values are filled
// with defaults by FromEnv / Defaults.
type Config struct {
	// Transport
	ListenAddr string `yaml:"listen_addr"`

	// Coordination store
	RedisURL string `yaml:"redis_url"`

	// Local runner mirror
	DBPath string `yaml:"db_path"`

	// Provider
	ProviderBaseURL string `yaml:"provider_base_url"`
	ProviderToken   string `yaml:"provider_token"`
	WebhookSecret   string `yaml:"webhook_secret"`

	// Distribution hub
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectionTTL     time.Duration `yaml:"connection_ttl"`
	QueueTTL          time.Duration `yaml:"queue_ttl"`
	QueueMaxLen       int           `yaml:"queue_max_len"`

	// Sync engine
	ActiveCacheTTL   time.Duration `yaml:"active_cache_ttl"`
	InactiveCacheTTL time.Duration `yaml:"inactive_cache_ttl"`
	HotWindow        time.Duration `yaml:"hot_window"`
	ColdGrace        time.Duration `yaml:"cold_grace"`
	MinSyncInterval  time.Duration `yaml:"min_sync_interval"`
	MaxSyncInterval  time.Duration `yaml:"max_sync_interval"`
	StartInterval    time.Duration `yaml:"start_interval"`
	HourlyCallLimit  int           `yaml:"hourly_call_limit"`
	ThrottleFraction float64       `yaml:"throttle_fraction"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:        ":8080",
		DBPath:            "runfeed.db",
		ProviderBaseURL:   "https://api.github.com",
		HeartbeatInterval: 30 * time.Second,
		ConnectionTTL:     time.Hour,
		QueueTTL:          5 * time.Minute,
		QueueMaxLen:       100,
		ActiveCacheTTL:    5 * time.Minute,
		InactiveCacheTTL:  30 * time.Minute,
		HotWindow:         time.Hour,
		ColdGrace:         30 * time.Minute,
		MinSyncInterval:   30 * time.Second,
		MaxSyncInterval:   5 * time.Minute,
		StartInterval:     time.Minute,
		HourlyCallLimit:   4000,
		ThrottleFraction:  0.8,
		LogLevel:          "info",
	}
}

// Validate rejects configurations that would break the hub or the sync loop.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval},
		{"connection_ttl", c.ConnectionTTL},
		{"queue_ttl", c.QueueTTL},
		{"active_cache_ttl", c.ActiveCacheTTL},
		{"inactive_cache_ttl", c.InactiveCacheTTL},
		{"hot_window", c.HotWindow},
		{"cold_grace", c.ColdGrace},
		{"min_sync_interval", c.MinSyncInterval},
		{"max_sync_interval", c.MaxSyncInterval},
		{"start_interval", c.StartInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.QueueMaxLen <= 0 {
		return fmt.Errorf("queue_max_len must be positive, got %d", c.QueueMaxLen)
	}
	if c.MinSyncInterval > c.MaxSyncInterval {
		return fmt.Errorf("min_sync_interval %s exceeds max_sync_interval %s",
			c.MinSyncInterval, c.MaxSyncInterval)
	}
	if c.StartInterval < c.MinSyncInterval || c.StartInterval > c.MaxSyncInterval {
		return fmt.Errorf("start_interval %s outside [%s, %s]",
			c.StartInterval, c.MinSyncInterval, c.MaxSyncInterval)
	}
	if c.HourlyCallLimit <= 0 {
		return fmt.Errorf("hourly_call_limit must be positive, got %d", c.HourlyCallLimit)
	}
	if c.ThrottleFraction <= 0 || c.ThrottleFraction > 1 {
		return fmt.Errorf("throttle_fraction must be in (0, 1], got %g", c.ThrottleFraction)
	}
	return nil
}
