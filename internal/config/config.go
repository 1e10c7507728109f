package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration values.
type Config struct {
	HTTPPort     string
	DatabasePath string

	// Remote persistence service (Supabase-style REST + realtime).
	RemoteURL   string
	RemoteKey   string
	RealtimeURL string

	LogLevel  string
	LogFormat string

	RequestTimeout time.Duration
	ProbeInterval  time.Duration

	HistoryMaxEntries int
	HistoryMinChars   int
}

// Load reads configuration from environment variables with reasonable defaults.
func Load() Config {
	cfg := Config{
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		DatabasePath:      getEnv("DATABASE_PATH", "meditrack.db"),
		RemoteURL:         getEnv("REMOTE_URL", ""),
		RemoteKey:         getEnv("REMOTE_KEY", ""),
		RealtimeURL:       getEnv("REALTIME_URL", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		ProbeInterval:     getEnvDuration("PROBE_INTERVAL", 15*time.Second),
		HistoryMaxEntries: getEnvInt("HISTORY_MAX_ENTRIES", 50),
		HistoryMinChars:   getEnvInt("HISTORY_MIN_CHARS", 1),
	}

	if cfg.RealtimeURL == "" && cfg.RemoteURL != "" {
		cfg.RealtimeURL = websocketURL(cfg.RemoteURL)
	}

	// Validate that port is numeric.
	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		log.Printf("invalid HTTP_PORT value %q, defaulting to 8080", cfg.HTTPPort)
		cfg.HTTPPort = "8080"
	}

	return cfg
}

// websocketURL derives the realtime endpoint from the REST base URL.
func websocketURL(remote string) string {
	ws := remote
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/realtime/v1"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("invalid %s value %q, using default %d", key, value, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("invalid %s value %q, using default %s", key, value, fallback)
	}
	return fallback
}
