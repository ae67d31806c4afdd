package llm

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Model is the only model the adapter talks to.
const Model = "openai/gpt-4o-mini"

const (
	DefaultBaseURL       = "https://openrouter.ai/api/v1"
	DefaultTimeout       = 60 * time.Second
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 4000
	DefaultRetryAttempts = 2
	DefaultRetryDelay    = time.Second

	maxRetryWait = 30 * time.Second
)

// Backoff selects how the wait between attempts grows.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Config is the service-wide configuration. It is copied into the Service at
// construction and never mutated afterwards.
type Config struct {
	APIKey             string
	BaseURL            string
	DefaultTimeout     time.Duration
	DefaultTemperature *float64
	DefaultMaxTokens   int
	LoggingEnabled     bool
	RetryAttempts      *int // nil = DefaultRetryAttempts; 0 disables retries
	RetryDelay         time.Duration
	Backoff            Backoff
}

// LogValue keeps the API key out of logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("base_url", c.BaseURL),
		slog.Duration("timeout", c.DefaultTimeout),
		slog.Int("max_tokens", c.DefaultMaxTokens),
		slog.Int("retry_attempts", c.retryAttempts()),
		slog.Duration("retry_delay", c.RetryDelay),
		slog.String("backoff", string(c.Backoff)),
		slog.Bool("api_key_set", c.APIKey != ""),
	)
}

func (c Config) retryAttempts() int {
	if c.RetryAttempts == nil {
		return DefaultRetryAttempts
	}
	return *c.RetryAttempts
}

// MaxCallDuration bounds one Chat call made with the service defaults: every
// attempt runs to its timeout and every retry waits the longest allowed time.
func (c Config) MaxCallDuration() time.Duration {
	c = c.withDefaults()
	retries := *c.RetryAttempts
	if retries < 0 {
		retries = 0
	}
	return time.Duration(retries+1)*c.DefaultTimeout + time.Duration(retries)*maxRetryWait
}

// withDefaults fills unset fields with the hardcoded defaults.
func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.DefaultTemperature == nil {
		c.DefaultTemperature = Float(DefaultTemperature)
	}
	if c.DefaultMaxTokens == 0 {
		c.DefaultMaxTokens = DefaultMaxTokens
	}
	if c.RetryAttempts == nil {
		c.RetryAttempts = Int(DefaultRetryAttempts)
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFixed
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm: api key must be provided")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("llm: base url must be an absolute URL")
	}
	if c.DefaultTimeout < 0 {
		return errors.New("llm: default timeout must not be negative")
	}
	if t := *c.DefaultTemperature; t < 0 || t > 1 {
		return errors.New("llm: default temperature must be in [0, 1]")
	}
	if c.DefaultMaxTokens < 0 {
		return errors.New("llm: default max tokens must not be negative")
	}
	if *c.RetryAttempts < 0 {
		return errors.New("llm: retry attempts must not be negative")
	}
	if c.RetryDelay < 0 {
		return errors.New("llm: retry delay must not be negative")
	}
	switch c.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		return errors.New("llm: backoff must be fixed or exponential")
	}
	return nil
}
