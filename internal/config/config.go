// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all filevault server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Directories
	UploadDir string // final destination for the local provider
	ChunkDir  string // scratch space for chunked upload sessions
	ThumbDir  string // generated thumbnails
	FetchDir  string // scratch space for external download tasks

	// Signed URLs
	URLSigningSecret string
	SignedURLTTL     time.Duration

	// API keys (bcrypt hashes, comma-separated). Empty disables the check.
	APIKeyHashes string

	// External fetcher
	FetcherBin        string
	FetchConcurrency  int
	FetchProbeTimeout time.Duration

	// Chunked uploads
	SessionTTL     time.Duration
	ReaperInterval time.Duration

	// Task history
	TaskHistorySize int

	// TLS (optional — if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),

		UploadDir: envOr("UPLOAD_DIR", "/data/uploads"),
		ChunkDir:  envOr("CHUNK_DIR", "/data/chunks"),
		ThumbDir:  envOr("THUMB_DIR", "/data/thumbnails"),
		FetchDir:  envOr("FETCH_DIR", "/data/fetch"),

		URLSigningSecret: envOr("URL_SIGNING_SECRET", ""),
		SignedURLTTL:     envDuration("SIGNED_URL_TTL", 1*time.Hour),

		APIKeyHashes: envOr("API_KEY_HASHES", ""),

		FetcherBin:        envOr("FETCHER_BIN", "yt-dlp"),
		FetchConcurrency:  envInt("FETCH_CONCURRENCY", 1),
		FetchProbeTimeout: envDuration("FETCH_PROBE_TIMEOUT", 60*time.Second),

		SessionTTL:     envDuration("SESSION_TTL", 24*time.Hour),
		ReaperInterval: envDuration("REAPER_INTERVAL", 15*time.Minute),

		TaskHistorySize: envInt("TASK_HISTORY_SIZE", 100),

		TLSCertFile: envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:  envOr("TLS_KEY_FILE", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.URLSigningSecret == "" {
		return nil, fmt.Errorf("URL_SIGNING_SECRET is required")
	}
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}
	if cfg.TaskHistorySize < 1 {
		cfg.TaskHistorySize = 1
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
