// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - REDIS_URL: Redis connection URL for the shared cache tier. When unset
//     the server runs with the in-process cache tier only.
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - MEMORY_CACHE_TTL: in-process cache entry lifetime
//     (default "5m", must be > 0 if set).
//   - MEMORY_CACHE_MAX_ITEMS: in-process cache entry bound
//     (default "1024", must be > 0 if set).
//   - SHARED_CACHE_TTL: shared cache entry lifetime
//     (default "1h", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultMemoryCacheTTL            = 5 * time.Minute
	defaultMemoryCacheMaxItems       = 1024
	defaultSharedCacheTTL            = time.Hour
)

// Config holds the runtime configuration for the flagscope server.
type Config struct {
	DatabaseURL         string
	RedisURL            string
	HTTPAddr            string
	LogLevel            string
	AuthRateLimit       int
	MaxJSONBodySize     int64
	MemoryCacheTTL      time.Duration
	MemoryCacheMaxItems int
	SharedCacheTTL      time.Duration
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	memoryCacheTTL, err := durationEnv("MEMORY_CACHE_TTL", defaultMemoryCacheTTL)
	if err != nil {
		return Config{}, err
	}

	memoryCacheMaxItems := defaultMemoryCacheMaxItems
	if v := strings.TrimSpace(os.Getenv("MEMORY_CACHE_MAX_ITEMS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("MEMORY_CACHE_MAX_ITEMS must be a positive integer")
		}
		memoryCacheMaxItems = n
	}

	sharedCacheTTL, err := durationEnv("SHARED_CACHE_TTL", defaultSharedCacheTTL)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DatabaseURL:         databaseURL,
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		AuthRateLimit:       authRateLimit,
		MaxJSONBodySize:     maxJSONBodySize,
		MemoryCacheTTL:      memoryCacheTTL,
		MemoryCacheMaxItems: memoryCacheMaxItems,
		SharedCacheTTL:      sharedCacheTTL,
	}, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
