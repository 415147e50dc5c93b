// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all TeleVault server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Metadata index ("sqlite" or "postgres")
	IndexBackend string
	IndexPath    string // sqlite file path
	DatabaseURL  string // postgres DSN

	// Relay backend (light transport)
	RelayBaseURL string
	RelayToken   string
	ChannelID    int64

	// Heavy transport (optional; empty APIKey disables it)
	HeavyAPIKey    string
	HeavySessions  int
	SessionTimeout time.Duration

	// Transport ceilings
	LightUploadCeiling   int64
	LightDownloadCeiling int64
	MaxFileSize          int64

	// Cache
	CacheDir       string
	CacheMemBytes  int64
	CacheDiskBytes int64 // 0 = unbounded
	DiskThreshold  int64
	CacheFillBytes int64 // max object size pulled whole on a read miss, 0 disables

	// Namespace
	RefreshInterval time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8099"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		IndexBackend: envOr("INDEX_BACKEND", "sqlite"),
		IndexPath:    envOr("INDEX_PATH", "televault.db"),
		DatabaseURL:  envOr("DATABASE_URL", ""),

		RelayBaseURL: envOr("RELAY_URL", ""),
		RelayToken:   envOr("RELAY_TOKEN", ""),
		ChannelID:    envInt64("CHANNEL_ID", 0),

		HeavyAPIKey:    envOr("HEAVY_API_KEY", ""),
		HeavySessions:  envInt("HEAVY_SESSIONS", 2),
		SessionTimeout: envDuration("SESSION_TIMEOUT", 30*time.Second),

		LightUploadCeiling:   envInt64("LIGHT_UPLOAD_CEILING", 50*1024*1024),
		LightDownloadCeiling: envInt64("LIGHT_DOWNLOAD_CEILING", 20*1024*1024),
		MaxFileSize:          envInt64("MAX_FILE_SIZE", 2*1024*1024*1024),

		CacheDir:       envOr("CACHE_DIR", "cache"),
		CacheMemBytes:  envInt64("CACHE_MEM_BYTES", 200*1024*1024),
		CacheDiskBytes: envInt64("CACHE_DISK_BYTES", 0),
		DiskThreshold:  envInt64("CACHE_DISK_THRESHOLD", 50*1024*1024),
		CacheFillBytes: envInt64("CACHE_FILL_BYTES", 256*1024*1024),

		RefreshInterval: envDuration("REFRESH_INTERVAL", 5*time.Minute),
	}

	if cfg.RelayToken == "" {
		return nil, fmt.Errorf("RELAY_TOKEN is required")
	}
	if cfg.ChannelID == 0 {
		return nil, fmt.Errorf("CHANNEL_ID is required")
	}
	if cfg.IndexBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when INDEX_BACKEND=postgres")
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

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
