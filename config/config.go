// Package config loads the supervisor's startup configuration from
// environment variables with defaults, the same shape as the teacher's
// config.Load/defaults() pair, trimmed to supervisor-level concerns — no
// recorder flags, since those belonged to a different domain entirely.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every setting cmd/fleetd needs at startup.
type Config struct {
	Port string // HTTP listen port
	Path string // WebSocket control endpoint mount path

	HeartbeatInterval time.Duration
	KillEscalation    time.Duration
	ShutdownTimeout   time.Duration

	// CatalogPath is the sqlite file backing the ServerRegistry catalog.
	// Empty disables persisted server resolution: spawn commands must then
	// carry command/argv directly.
	CatalogPath string

	LogDevelopment bool
}

func defaults() Config {
	return Config{
		Port:              "8080",
		Path:              "/fleet",
		HeartbeatInterval: 30 * time.Second,
		KillEscalation:    5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		CatalogPath:       "",
		LogDevelopment:    false,
	}
}

// Load builds a Config from environment variables, falling back to
// defaults() for anything unset or unparsable.
func Load() Config {
	cfg := defaults()

	cfg.Port = env("FLEETD_PORT", cfg.Port)
	cfg.Path = env("FLEETD_WS_PATH", cfg.Path)
	cfg.CatalogPath = env("FLEETD_CATALOG_PATH", cfg.CatalogPath)

	cfg.HeartbeatInterval = durationEnv("FLEETD_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.KillEscalation = durationEnv("FLEETD_KILL_ESCALATION", cfg.KillEscalation)
	cfg.ShutdownTimeout = durationEnv("FLEETD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.LogDevelopment = boolEnv("FLEETD_LOG_DEVELOPMENT", cfg.LogDevelopment)

	return cfg
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
