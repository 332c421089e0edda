package common

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/vat-checker/constants"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Registry  RegistryConfig
	FastLane  FastLaneConfig
	SlowLane  SlowLaneConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// CacheConfig selects and tunes the result cache backend
type CacheConfig struct {
	Backend   string // memory | sql | redis
	TTL       time.Duration
	RedisAddr string
	RedisDB   int
	Prefix    string
}

// RegistryConfig holds upstream registry configuration
type RegistryConfig struct {
	BaseURL     string
	CallTimeout time.Duration
	StatusTTL   time.Duration
}

// FastLaneConfig holds pacing and retry settings for the synchronous lane
type FastLaneConfig struct {
	Workers         int
	GlobalGap       time.Duration
	PartitionGap    time.Duration
	PartitionGaps   map[string]time.Duration
	MaxAttempts     int
	CongestionSteps []time.Duration
	DefaultSteps    []time.Duration
	Jitter          time.Duration
}

// SlowLaneConfig holds pacing and retry settings for the durable lane
type SlowLaneConfig struct {
	Jurisdiction    string
	MinGap          time.Duration
	Cooldown        time.Duration
	GateDelay       time.Duration
	MaxAttempts     int
	CongestionSteps []time.Duration
	DefaultSteps    []time.Duration
	Jitter          time.Duration
	Retention       time.Duration
	SweepEvery      time.Duration
}

// RateLimitConfig throttles API clients
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":8081"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", "file:vatcheck.db"),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Cache: CacheConfig{
			Backend:   strings.ToLower(getEnv("CACHE_BACKEND", "sql")),
			TTL:       getEnvAsDuration("CACHE_TTL", 24*time.Hour),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   getEnvAsInt("REDIS_DB", 0),
			Prefix:    getEnv("CACHE_PREFIX", "vatcheck:result"),
		},
		Registry: RegistryConfig{
			BaseURL:     getEnv("VIES_BASE_URL", "https://ec.europa.eu/taxation_customs/vies/rest-api"),
			CallTimeout: getEnvAsDuration("VIES_CALL_TIMEOUT", 20*time.Second),
			StatusTTL:   getEnvAsDuration("VIES_STATUS_TTL", 30*time.Second),
		},
		FastLane: FastLaneConfig{
			Workers:         getEnvAsInt("FAST_WORKERS", 3),
			GlobalGap:       getEnvAsDuration("FAST_GLOBAL_GAP", 250*time.Millisecond),
			PartitionGap:    getEnvAsDuration("FAST_PARTITION_GAP", 1500*time.Millisecond),
			PartitionGaps:   getEnvAsDurationMap("FAST_PARTITION_GAPS", map[string]time.Duration{"IT": 3 * time.Second, "ES": 3 * time.Second}),
			MaxAttempts:     getEnvAsInt("FAST_MAX_ATTEMPTS", 4),
			CongestionSteps: getEnvAsDurations("FAST_CONGESTION_BACKOFF", []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}),
			DefaultSteps:    getEnvAsDurations("FAST_BACKOFF", []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}),
			Jitter:          getEnvAsDuration("FAST_JITTER", 400*time.Millisecond),
		},
		SlowLane: SlowLaneConfig{
			Jurisdiction:    constants.NormalizeJurisdiction(getEnv("SLOW_JURISDICTION", constants.DefaultSlowJurisdiction)),
			MinGap:          getEnvAsDuration("SLOW_MIN_GAP", 2*time.Second),
			Cooldown:        getEnvAsDuration("SLOW_COOLDOWN", 30*time.Second),
			GateDelay:       getEnvAsDuration("SLOW_GATE_DELAY", 60*time.Second),
			MaxAttempts:     getEnvAsInt("SLOW_MAX_ATTEMPTS", 8),
			CongestionSteps: getEnvAsDurations("SLOW_CONGESTION_BACKOFF", []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}),
			DefaultSteps:    getEnvAsDurations("SLOW_BACKOFF", []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}),
			Jitter:          getEnvAsDuration("SLOW_JITTER", 2*time.Second),
			Retention:       getEnvAsDuration("JOB_RETENTION", 7*24*time.Hour),
			SweepEvery:      getEnvAsDuration("JOB_SWEEP_EVERY", time.Hour),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvAsFloat64("API_RATE_RPS", 5),
			Burst: getEnvAsInt("API_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsDurations parses a comma separated ladder such as "1s,2s,4s".
func getEnvAsDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	steps, err := ParseDurations(value)
	if err != nil || len(steps) == 0 {
		return defaultValue
	}
	return steps
}

// getEnvAsDurationMap parses "IT=3s,ES=2s".
func getEnvAsDurationMap(key string, defaultValue map[string]time.Duration) map[string]time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out, err := ParseDurationMap(value)
	if err != nil {
		return defaultValue
	}
	return out
}

// ParseDurations parses a comma separated list of durations.
func ParseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("parse duration %q: %w", part, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseDurationMap parses comma separated KEY=duration pairs; keys are jurisdictions.
func ParseDurationMap(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("expected KEY=duration, got %q", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("parse duration for %s: %w", k, err)
		}
		out[constants.NormalizeJurisdiction(k)] = d
	}
	return out, nil
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	switch c.Cache.Backend {
	case "memory", "sql", "redis":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown CACHE_BACKEND %q", c.Cache.Backend), ErrInvalidInput)
	}
	if !constants.IsJurisdiction(c.SlowLane.Jurisdiction) {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("SLOW_JURISDICTION %q is not a known jurisdiction", c.SlowLane.Jurisdiction), ErrInvalidInput)
	}
	if c.FastLane.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "FAST_WORKERS must be positive", ErrInvalidInput)
	}
	if c.FastLane.MaxAttempts <= 0 || c.SlowLane.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "max attempts must be positive", ErrInvalidInput)
	}
	return nil
}

// NewLogger builds the process logger from LogConfig.
func NewLogger(cfg LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
