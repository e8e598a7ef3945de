// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Window settings.
	WindowCapacity int           // Retained values per sensor for the rolling window.
	IdleTTL        time.Duration // Sensors silent longer than this are evicted.
	MinSamples     int           // Readings required before the scorer produces non-zero scores.

	// Alerting thresholds.
	OpenThreshold       float64
	EscalateThreshold   float64
	EscalateConsecutive int
	ResolveThreshold    float64
	ResolveQuietCount   int
	ResolveQuietPeriod  time.Duration // When set, overrides ResolveQuietCount with wall-clock time.

	// Pipeline settings.
	Workers       int
	QueueCapacity int // Pending readings per sensor before backpressure.
	EvictInterval time.Duration

	// Database settings.
	DatabaseURL string // Pooler or direct Postgres URL for queries; empty disables the Postgres sink.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// Archive settings.
	ArchivePath string // bbolt file for the durable alert archive; empty disables it.

	// Sensor profiles.
	ProfilePath string // YAML file overriding the built-in per-type ranges.

	// Sink delivery settings.
	SinkQueueSize    int
	SinkMaxAttempts  int
	SinkBaseDelay    time.Duration
	ReadingBatchSize int
	ReadingFlushWait time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed value is reported; a typo'd threshold must fail loudly
// rather than silently revert to its default.
func Load() (Config, error) {
	var errs []error

	intEnv := func(key string, defaultVal int) int {
		v, err := envInt(key, defaultVal)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatEnv := func(key string, defaultVal float64) float64 {
		v, err := envFloat(key, defaultVal)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durEnv := func(key string, defaultVal time.Duration) time.Duration {
		v, err := envDuration(key, defaultVal)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		WindowCapacity:      intEnv("KESTREL_WINDOW_CAPACITY", 128),
		IdleTTL:             durEnv("KESTREL_IDLE_TTL", 30*time.Minute),
		MinSamples:          intEnv("KESTREL_MIN_SAMPLES", 5),
		OpenThreshold:       floatEnv("KESTREL_OPEN_THRESHOLD", 0.7),
		EscalateThreshold:   floatEnv("KESTREL_ESCALATE_THRESHOLD", 0.9),
		EscalateConsecutive: intEnv("KESTREL_ESCALATE_CONSECUTIVE", 3),
		ResolveThreshold:    floatEnv("KESTREL_RESOLVE_THRESHOLD", 0.5),
		ResolveQuietCount:   intEnv("KESTREL_RESOLVE_QUIET_COUNT", 5),
		ResolveQuietPeriod:  durEnv("KESTREL_RESOLVE_QUIET_PERIOD", 0),
		Workers:             intEnv("KESTREL_WORKERS", 4),
		QueueCapacity:       intEnv("KESTREL_QUEUE_CAPACITY", 64),
		EvictInterval:       durEnv("KESTREL_EVICT_INTERVAL", time.Minute),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		ArchivePath:         envStr("KESTREL_ARCHIVE_PATH", ""),
		ProfilePath:         envStr("KESTREL_PROFILE_PATH", ""),
		SinkQueueSize:       intEnv("KESTREL_SINK_QUEUE_SIZE", 1024),
		SinkMaxAttempts:     intEnv("KESTREL_SINK_MAX_ATTEMPTS", 5),
		SinkBaseDelay:       durEnv("KESTREL_SINK_BASE_DELAY", 100*time.Millisecond),
		ReadingBatchSize:    intEnv("KESTREL_READING_BATCH_SIZE", 500),
		ReadingFlushWait:    durEnv("KESTREL_READING_FLUSH_WAIT", 2*time.Second),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kestrel"),
		LogLevel:            envStr("KESTREL_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks threshold ordering and positive sizes.
func (c Config) Validate() error {
	if c.WindowCapacity <= 0 {
		return fmt.Errorf("config: KESTREL_WINDOW_CAPACITY must be positive")
	}
	if c.MinSamples <= 0 {
		return fmt.Errorf("config: KESTREL_MIN_SAMPLES must be positive")
	}
	if c.OpenThreshold <= 0 || c.OpenThreshold > 1 {
		return fmt.Errorf("config: KESTREL_OPEN_THRESHOLD must be in (0,1]")
	}
	if c.EscalateThreshold < c.OpenThreshold || c.EscalateThreshold > 1 {
		return fmt.Errorf("config: KESTREL_ESCALATE_THRESHOLD must be in [open,1]")
	}
	if c.ResolveThreshold <= 0 || c.ResolveThreshold >= c.OpenThreshold {
		return fmt.Errorf("config: KESTREL_RESOLVE_THRESHOLD must be in (0,open)")
	}
	if c.EscalateConsecutive <= 0 {
		return fmt.Errorf("config: KESTREL_ESCALATE_CONSECUTIVE must be positive")
	}
	if c.ResolveQuietCount <= 0 {
		return fmt.Errorf("config: KESTREL_RESOLVE_QUIET_COUNT must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: KESTREL_WORKERS must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: KESTREL_QUEUE_CAPACITY must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
