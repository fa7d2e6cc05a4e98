// Package utils holds configuration loading shared by main.go and the
// individual components, following the teacher's env-first load pattern
// generalized with viper for structured nested config and defaults.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds every configuration knob described in spec.md §6.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Reddit    RedditConfig    `mapstructure:"reddit"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// RedditConfig holds OAuth2 credentials and the subreddits this core is
// configured to poll.
type RedditConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	UserAgent    string   `mapstructure:"user_agent"`
	Subreddits   []string `mapstructure:"-"` // parsed separately from the raw comma-separated string
}

// RateLimitConfig mirrors models.RateLimitConfig, expressed in the units a
// human operator configures (seconds, not time.Duration literals).
type RateLimitConfig struct {
	MaxRequestsPerWindow int `mapstructure:"max_requests_per_window"`
	WindowSeconds        int `mapstructure:"window_seconds"`
	BurstAllowance       int `mapstructure:"burst_allowance"`
}

// RetryConfig mirrors retry.Config, expressed in the units a human
// operator configures (seconds/milliseconds).
type RetryConfig struct {
	MaxAttempts        int     `mapstructure:"max_attempts"`
	BaseDelayMs        int     `mapstructure:"base_delay_ms"`
	MaxDelayMs         int     `mapstructure:"max_delay_ms"`
	Multiplier         float64 `mapstructure:"multiplier"`
	JitterFactor       float64 `mapstructure:"jitter_factor"`
	FailureThreshold   int     `mapstructure:"failure_threshold"`
	RecoveryTimeoutSec int     `mapstructure:"recovery_timeout_sec"`
}

// QueueConfig covers the Request Queue's capacity and a MaxRetries value.
// Only Capacity is passed to the queue; MaxRetries is loaded but not used,
// and a request enqueued without its own MaxRetries gets 3.
type QueueConfig struct {
	Capacity   int `mapstructure:"capacity"`
	MaxRetries int `mapstructure:"max_retries"`
}

// DatabaseConfig holds the SQLite file path.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds the edge HTTP server's listen port.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoadConfig loads configuration: a .env file (if present) populates the
// process environment the way the teacher's LoadConfig did, then viper
// reads the same keys with defaults and validates the result.
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Reddit API Core")
	v.SetDefault("app.version", "1.0.0")

	v.SetDefault("reddit.client_id", "")
	v.SetDefault("reddit.client_secret", "")
	v.SetDefault("reddit.redirect_uri", "http://localhost:8080/callback")
	v.SetDefault("reddit.user_agent", "")
	v.SetDefault("reddit.subreddits", "golang")

	v.SetDefault("rate_limit.max_requests_per_window", 100)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("rate_limit.burst_allowance", 10)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 2000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_factor", 0.2)
	v.SetDefault("retry.failure_threshold", 3)
	v.SetDefault("retry.recovery_timeout_sec", 120)

	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.max_retries", 3)

	v.SetDefault("database.path", "./reddit-core.db")
	v.SetDefault("server.port", 8080)

	for _, key := range envBindings {
		if err := v.BindEnv(key.viperKey, key.envVar); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key.envVar, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Reddit.Subreddits = parseSubreddits(v.GetString("reddit.subreddits"))

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("config loaded successfully")
	return &cfg, nil
}

// envKeyBinding maps a viper dotted key onto the literal env var name the
// teacher used, since AutomaticEnv's underscore replacement alone would
// produce e.g. RATE_LIMIT_MAX_REQUESTS_PER_WINDOW - these bindings keep
// the externally documented variable names stable.
type envKeyBinding struct {
	viperKey string
	envVar   string
}

var envBindings = []envKeyBinding{
	{"app.name", "APP_NAME"},
	{"app.version", "APP_VERSION"},
	{"reddit.client_id", "REDDIT_CLIENT_ID"},
	{"reddit.client_secret", "REDDIT_CLIENT_SECRET"},
	{"reddit.redirect_uri", "REDDIT_REDIRECT_URI"},
	{"reddit.user_agent", "REDDIT_USER_AGENT"},
	{"reddit.subreddits", "REDDIT_SUBREDDITS"},
	{"rate_limit.max_requests_per_window", "REDDIT_MAX_REQUESTS_PER_WINDOW"},
	{"rate_limit.window_seconds", "REDDIT_RATE_LIMIT_WINDOW_SECONDS"},
	{"rate_limit.burst_allowance", "REDDIT_BURST_ALLOWANCE"},
	{"retry.max_attempts", "RETRY_MAX_ATTEMPTS"},
	{"retry.base_delay_ms", "RETRY_BASE_DELAY_MS"},
	{"retry.max_delay_ms", "RETRY_MAX_DELAY_MS"},
	{"retry.multiplier", "RETRY_MULTIPLIER"},
	{"retry.jitter_factor", "RETRY_JITTER_FACTOR"},
	{"retry.failure_threshold", "RETRY_FAILURE_THRESHOLD"},
	{"retry.recovery_timeout_sec", "RETRY_RECOVERY_TIMEOUT_SEC"},
	{"queue.capacity", "QUEUE_CAPACITY"},
	{"queue.max_retries", "QUEUE_MAX_RETRIES"},
	{"database.path", "DATABASE_PATH"},
	{"server.port", "SERVER_PORT"},
}

// parseSubreddits parses a comma-separated list of subreddits, defaulting
// to "golang" when empty - the same fallback the teacher used.
func parseSubreddits(subredditsStr string) []string {
	parts := strings.Split(subredditsStr, ",")

	subreddits := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			subreddits = append(subreddits, trimmed)
		}
	}

	if len(subreddits) == 0 {
		subreddits = append(subreddits, "golang")
	}

	return subreddits
}

// RetryBaseDelay converts the configured milliseconds into a time.Duration
// for handing to retry.Config.
func (c RetryConfig) RetryBaseDelay() time.Duration { return time.Duration(c.BaseDelayMs) * time.Millisecond }

// RetryMaxDelay converts the configured milliseconds into a time.Duration.
func (c RetryConfig) RetryMaxDelay() time.Duration { return time.Duration(c.MaxDelayMs) * time.Millisecond }

// RecoveryTimeout converts the configured seconds into a time.Duration.
func (c RetryConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSec) * time.Second
}

// Window converts the configured seconds into a time.Duration.
func (c RateLimitConfig) Window() time.Duration { return time.Duration(c.WindowSeconds) * time.Second }

// validateConfig validates the configuration the same way the teacher did,
// extended to the new rate limit/retry/queue sections.
func validateConfig(config *Config) error {
	if config.Reddit.ClientID == "" {
		return fmt.Errorf("REDDIT_CLIENT_ID environment variable is required")
	}
	if config.Reddit.ClientSecret == "" {
		return fmt.Errorf("REDDIT_CLIENT_SECRET environment variable is required")
	}
	// User-Agent required per Reddit API documentation, which places strict
	// requirements on its format.
	if config.Reddit.UserAgent == "" {
		return fmt.Errorf("REDDIT_USER_AGENT environment variable is required")
	}
	if len(config.Reddit.Subreddits) == 0 {
		return fmt.Errorf("REDDIT_SUBREDDITS environment variable is required")
	}

	if config.RateLimit.MaxRequestsPerWindow < 1 {
		return fmt.Errorf("REDDIT_MAX_REQUESTS_PER_WINDOW must be positive")
	}
	if config.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("REDDIT_RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if config.RateLimit.BurstAllowance < 1 {
		return fmt.Errorf("REDDIT_BURST_ALLOWANCE must be positive")
	}

	if config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}

	if config.Queue.Capacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive")
	}

	// If we are storing the db in a nested directory, create the directory.
	dbDir := filepath.Dir(config.Database.Path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
