// Package config provides application-wide configuration.
// Values come from built-in defaults, then an optional YAML file, then
// environment variables, so the binary runs locally with only an API key set.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
)

// Config holds runtime configuration for wanderplan.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// LLMConfig mirrors llm.Config in file form. Zero values fall back to the
// adapter's own defaults.
type LLMConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	Temperature   *float64      `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	RetryAttempts *int          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Backoff       string        `yaml:"backoff"`
	Logging       bool          `yaml:"logging"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig bounds itinerary generation per user.
type RateLimitConfig struct {
	GeneratePerMinute int `yaml:"generate_per_minute"`
	GenerateBurst     int `yaml:"generate_burst"`
}

const (
	envKeyHost          = "WANDERPLAN_HOST"
	envKeyPort          = "WANDERPLAN_PORT"
	envKeyDBPath        = "WANDERPLAN_DB_PATH"
	envKeyJWTSecret     = "JWT_SECRET"
	envKeyJWTExpiry     = "JWT_EXPIRY" // hours
	envKeyAPIKey        = "OPENROUTER_API_KEY"
	envKeyBaseURL       = "OPENROUTER_BASE_URL"
	envKeyLLMTimeout    = "WANDERPLAN_LLM_TIMEOUT"
	envKeyLLMRetries    = "WANDERPLAN_LLM_RETRY_ATTEMPTS"
	envKeyLLMRetryDelay = "WANDERPLAN_LLM_RETRY_DELAY"
	envKeyLLMBackoff    = "WANDERPLAN_LLM_BACKOFF"
	envKeyLLMLogging    = "WANDERPLAN_LLM_LOGGING"
	envKeyLogLevel      = "WANDERPLAN_LOG_LEVEL"
	envKeyLogFormat     = "LOG_FORMAT"
	envKeyGenerateRate  = "WANDERPLAN_GENERATE_PER_MINUTE"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    3 * time.Minute, // raised by HTTPWriteTimeout when generation can take longer
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Path: "data/wanderplan.db"},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		Log:      LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			GeneratePerMinute: 6,
			GenerateBurst:     2,
		},
	}
}

// Load builds the configuration. path may be empty; a named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Host = envOr(envKeyHost, c.Server.Host)
	c.Database.Path = envOr(envKeyDBPath, c.Database.Path)
	c.Auth.JWTSecret = envOr(envKeyJWTSecret, c.Auth.JWTSecret)
	c.LLM.APIKey = envOr(envKeyAPIKey, c.LLM.APIKey)
	c.LLM.BaseURL = envOr(envKeyBaseURL, c.LLM.BaseURL)
	c.LLM.Backoff = envOr(envKeyLLMBackoff, c.LLM.Backoff)
	c.Log.Level = envOr(envKeyLogLevel, c.Log.Level)
	c.Log.Format = envOr(envKeyLogFormat, c.Log.Format)

	var errs []error
	if v := os.Getenv(envKeyPort); v != "" {
		port, err := strconv.Atoi(v)
		errs = append(errs, envErr(envKeyPort, err))
		c.Server.Port = port
	}
	if v := os.Getenv(envKeyJWTExpiry); v != "" {
		hours, err := strconv.Atoi(v)
		errs = append(errs, envErr(envKeyJWTExpiry, err))
		c.Auth.TokenTTL = time.Duration(hours) * time.Hour
	}
	if v := os.Getenv(envKeyLLMTimeout); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr(envKeyLLMTimeout, err))
		c.LLM.Timeout = d
	}
	if v := os.Getenv(envKeyLLMRetries); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr(envKeyLLMRetries, err))
		c.LLM.RetryAttempts = &n
	}
	if v := os.Getenv(envKeyLLMRetryDelay); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr(envKeyLLMRetryDelay, err))
		c.LLM.RetryDelay = d
	}
	if v := os.Getenv(envKeyLLMLogging); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr(envKeyLLMLogging, err))
		c.LLM.Logging = b
	}
	if v := os.Getenv(envKeyGenerateRate); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr(envKeyGenerateRate, err))
		c.RateLimit.GeneratePerMinute = n
	}
	return errors.Join(errs...)
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("config: %s: %w", key, err)
}

// Validate checks structural settings. Secrets are checked by the components
// that need them, so commands that do not serve HTTP can run without a JWT secret.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("config: server timeouts must not be negative"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("config: database.path is required"))
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, errors.New("config: auth.token_ttl must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: log.format %q must be json or text", c.Log.Format))
	}
	if c.RateLimit.GeneratePerMinute < 0 || c.RateLimit.GenerateBurst < 0 {
		errs = append(errs, errors.New("config: rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}

// writeTimeoutMargin covers the database work around a generation call.
const writeTimeoutMargin = 15 * time.Second

// HTTPWriteTimeout is the configured write timeout, raised when needed so a
// generation that exhausts every LLM attempt still gets its response
// written. Zero keeps the net/http meaning of no timeout.
func (c Config) HTTPWriteTimeout() time.Duration {
	if c.Server.WriteTimeout <= 0 {
		return c.Server.WriteTimeout
	}
	need := c.LLM.Service().MaxCallDuration() + writeTimeoutMargin
	return max(c.Server.WriteTimeout, need)
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Service converts the file form into the adapter configuration.
func (l LLMConfig) Service() llm.Config {
	return llm.Config{
		APIKey:             l.APIKey,
		BaseURL:            l.BaseURL,
		DefaultTimeout:     l.Timeout,
		DefaultTemperature: l.Temperature,
		DefaultMaxTokens:   l.MaxTokens,
		LoggingEnabled:     l.Logging,
		RetryAttempts:      l.RetryAttempts,
		RetryDelay:         l.RetryDelay,
		Backoff:            llm.Backoff(l.Backoff),
	}
}

// LogValue keeps secrets out of startup logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Server.Addr()),
		slog.String("db", c.Database.Path),
		slog.Duration("token_ttl", c.Auth.TokenTTL),
		slog.Bool("jwt_secret_set", c.Auth.JWTSecret != ""),
		slog.Any("llm", c.LLM.Service()),
		slog.String("log_level", c.Log.Level),
		slog.Int("generate_per_minute", c.RateLimit.GeneratePerMinute),
	)
}

// SlogLevel returns the configured log level.
func (l LogConfig) SlogLevel() slog.Level {
	lvl, _ := parseLevel(l.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level %q: %w", s, err)
	}
	return lvl, nil
}

// envOr returns the value of the environment variable key, or fallback if not set.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
