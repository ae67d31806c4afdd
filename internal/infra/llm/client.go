package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

const (
	chatPath        = "/chat/completions"
	contentTypeJSON = "application/json"
	userAgent       = "wanderplan/llm"
)

// Service issues schema-constrained chat completions. It holds no mutable
// state after New and is safe for concurrent use.
type Service struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	jitter     func() float64
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets a custom HTTP client. Its Timeout should be zero or
// larger than any call timeout; per-call timeouts use the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) { s.httpClient = hc }
}

// WithLogger sets the logger used when cfg.LoggingEnabled is true.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New validates cfg, applies defaults and returns a ready Service.
func New(cfg Config, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	// detach pointer fields so the caller cannot mutate them later
	cfg.DefaultTemperature = Float(*cfg.DefaultTemperature)
	cfg.RetryAttempts = Int(*cfg.RetryAttempts)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		httpClient: newHTTPClient(),
		logger:     slog.Default(),
		jitter:     rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	if !cfg.LoggingEnabled {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Config returns a copy of the effective configuration.
func (s *Service) Config() Config {
	c := s.cfg
	c.DefaultTemperature = Float(*s.cfg.DefaultTemperature)
	c.RetryAttempts = Int(*s.cfg.RetryAttempts)
	return c
}

// Chat sends messages to the model and returns the response decoded and
// validated against schema. params may be nil.
func Chat[T any](ctx context.Context, s *Service, messages []Message, schema *ResponseSchema[T], params *Params) (*ChatResult[T], error) {
	req, err := buildRequest(s.cfg, messages, schema, params)
	if err != nil {
		return nil, err
	}
	env, err := s.send(ctx, req, schema.name)
	if err != nil {
		return nil, err
	}
	return decodeResult(env, schema)
}

type callState int

const (
	stateSending callState = iota
	stateRetryWait
	stateSucceeded
	stateFailed
)

// send drives Sending → {Succeeded | RetryWait → Sending | Failed}.
func (s *Service) send(ctx context.Context, req builtRequest, schemaName string) (*envelope, error) {
	maxAttempts := 1 + *s.cfg.RetryAttempts

	var (
		attempt int
		env     *envelope
		lastErr *Error
	)
	state := stateSending
	for {
		switch state {
		case stateSending:
			attempt++
			env, lastErr = s.attempt(ctx, req, schemaName, attempt)
			switch {
			case lastErr == nil:
				state = stateSucceeded
			case lastErr.Retryable() && attempt < maxAttempts && ctx.Err() == nil:
				state = stateRetryWait
			default:
				state = stateFailed
			}

		case stateRetryWait:
			wait := s.retryWait(attempt, lastErr)
			s.logger.Warn("llm retry scheduled",
				"schema", schemaName,
				"attempt", attempt,
				"code", lastErr.Code,
				"status", lastErr.StatusCode,
				"wait_ms", wait.Milliseconds(),
			)
			if err := sleep(ctx, wait); err != nil {
				lastErr = contextError(ctx, req.timeout)
				state = stateFailed
				continue
			}
			state = stateSending

		case stateSucceeded:
			return env, nil

		case stateFailed:
			lastErr.Attempts = attempt
			s.logger.Error("llm request failed",
				"schema", schemaName,
				"attempts", attempt,
				"code", lastErr.Code,
				"status", lastErr.StatusCode,
			)
			return nil, lastErr
		}
	}
}

// attempt performs one HTTP round trip under its own timeout.
func (s *Service) attempt(ctx context.Context, req builtRequest, schemaName string, n int) (*envelope, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.cfg.BaseURL+chatPath, bytes.NewReader(req.body))
	if err != nil {
		return nil, networkError(fmt.Errorf("construct request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	s.logger.Info("llm request",
		"schema", schemaName,
		"model", Model,
		"attempt", n,
		"timeout_ms", req.timeout.Milliseconds(),
		"bytes", len(req.body),
	)

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, attemptCtx, req.timeout, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.logger.Info("llm response",
			"schema", schemaName,
			"attempt", n,
			"status", resp.StatusCode,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return nil, statusError(resp.StatusCode, body, resp.Header)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, attemptCtx, req.timeout, fmt.Errorf("read response body: %w", err))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, validationError("provider response is not valid JSON", []FieldError{jsonDiagnostic(err)})
	}
	if env.Error != nil {
		return nil, env.Error.toError()
	}

	s.logger.Info("llm response",
		"schema", schemaName,
		"attempt", n,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
		"request_id", env.ID,
		"model", env.Model,
		"total_tokens", env.Usage.TotalTokens,
	)
	return &env, nil
}

// transportError classifies a failure that produced no usable response.
func transportError(parent, attemptCtx context.Context, timeout time.Duration, err error) *Error {
	if parent.Err() != nil {
		return contextError(parent, timeout)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return timeoutError(timeout, err)
	}
	return networkError(err)
}

// contextError maps cancellation of the caller's context.
func contextError(ctx context.Context, timeout time.Duration) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError(timeout, ctx.Err())
	}
	return networkError(ctx.Err())
}

func (s *Service) retryWait(attempt int, err *Error) time.Duration {
	d := s.cfg.RetryDelay
	if s.cfg.Backoff == BackoffExponential {
		for i := 1; i < attempt && d < maxRetryWait; i++ {
			d *= 2
		}
		half := d / 2
		d = half + time.Duration(s.jitter()*float64(half))
	}
	if err.RetryAfter > d {
		d = err.RetryAfter
	}
	if d > maxRetryWait {
		d = maxRetryWait
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport}
}
