// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//   - BUNDLE_ID: store bundle identifier of the app whose events are relayed.
//   - APP_VERSION: marketing version of the currently shipped build.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level name (default "info").
//   - LOOKUP_URL: store lookup endpoint used to resolve the published
//     version (default "https://itunes.apple.com/lookup").
//   - LOOKUP_TTL: how long a store version verdict is cached
//     (default "1h", must be > 0 if set).
//   - FLAGS_URL: remote feature flag document URL. Empty disables remote
//     fetching and the resolver serves compiled-in defaults.
//   - FLAGS_REFRESH_INTERVAL: minimum interval between remote flag fetches
//     (default "5m", must be > 0 if set).
//   - TRACKER_URLS: comma-separated analytics tracker ingest URLs. Each
//     entry may carry a bearer token as "url|token".
//   - STREAM_POLL_INTERVAL: polling interval for SSE streaming
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0 if set).
//   - AUTH_RATE_LIMIT: per-IP authentication attempts per second
//     (default "10", must be > 0 if set).
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
	defaultHTTPAddr                 = ":8080"
	defaultLookupURL                = "https://itunes.apple.com/lookup"
	defaultLookupTTL                = time.Hour
	defaultFlagsRefreshInterval     = 5 * time.Minute
	defaultStreamPollInterval       = time.Second
	defaultAuthRateLimit            = 10
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
	defaultEventBatchSize           = 1000
)

// Tracker identifies one downstream analytics ingest endpoint.
type Tracker struct {
	URL   string
	Token string
}

// Config holds the runtime configuration for the tangent-relay server.
type Config struct {
	DatabaseURL          string
	HTTPAddr             string
	LogLevel             string
	BundleID             string
	AppVersion           string
	LookupURL            string
	LookupTTL            time.Duration
	FlagsURL             string
	FlagsRefreshInterval time.Duration
	Trackers             []Tracker
	StreamPollInterval   time.Duration
	AuthRateLimit        int
	MaxJSONBodySize      int64
	EventBatchSize       int
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	bundleID := strings.TrimSpace(os.Getenv("BUNDLE_ID"))
	if bundleID == "" {
		return Config{}, errors.New("BUNDLE_ID is required")
	}

	appVersion := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if appVersion == "" {
		return Config{}, errors.New("APP_VERSION is required")
	}

	lookupTTL := defaultLookupTTL
	if value := strings.TrimSpace(os.Getenv("LOOKUP_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse LOOKUP_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("LOOKUP_TTL must be > 0")
		}
		lookupTTL = parsed
	}

	flagsRefreshInterval := defaultFlagsRefreshInterval
	if value := strings.TrimSpace(os.Getenv("FLAGS_REFRESH_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLAGS_REFRESH_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("FLAGS_REFRESH_INTERVAL must be > 0")
		}
		flagsRefreshInterval = parsed
	}

	trackers, err := parseTrackers(os.Getenv("TRACKER_URLS"))
	if err != nil {
		return Config{}, err
	}

	streamPollInterval := defaultStreamPollInterval
	if value := strings.TrimSpace(os.Getenv("STREAM_POLL_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("STREAM_POLL_INTERVAL must be > 0")
		}
		streamPollInterval = parsed
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

	eventBatchSize := defaultEventBatchSize
	if v := strings.TrimSpace(os.Getenv("EVENT_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("EVENT_BATCH_SIZE must be a positive integer")
		}
		eventBatchSize = n
	}

	return Config{
		DatabaseURL:          databaseURL,
		HTTPAddr:             envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		BundleID:             bundleID,
		AppVersion:           appVersion,
		LookupURL:            envOrDefault("LOOKUP_URL", defaultLookupURL),
		LookupTTL:            lookupTTL,
		FlagsURL:             strings.TrimSpace(os.Getenv("FLAGS_URL")),
		FlagsRefreshInterval: flagsRefreshInterval,
		Trackers:             trackers,
		StreamPollInterval:   streamPollInterval,
		AuthRateLimit:        authRateLimit,
		MaxJSONBodySize:      maxJSONBodySize,
		EventBatchSize:       eventBatchSize,
	}, nil
}

func parseTrackers(raw string) ([]Tracker, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var trackers []Tracker
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		url, token, _ := strings.Cut(entry, "|")
		url = strings.TrimSpace(url)
		if url == "" {
			return nil, errors.New("TRACKER_URLS contains an entry with an empty URL")
		}
		trackers = append(trackers, Tracker{URL: url, Token: strings.TrimSpace(token)})
	}
	return trackers, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
