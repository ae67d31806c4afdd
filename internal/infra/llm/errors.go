package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Code is the machine-readable failure reason carried by every *Error.
type Code string

const (
	CodeAuth       Code = "AUTH_ERROR"
	CodeRateLimit  Code = "RATE_LIMIT"
	CodeTimeout    Code = "TIMEOUT"
	CodeNetwork    Code = "NETWORK_ERROR"
	CodeAPI        Code = "API_ERROR"
	CodeValidation Code = "VALIDATION_ERROR"
)

// FieldError is one structured schema diagnostic.
type FieldError struct {
	Field   string `json:"field"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error is the single error type returned by the adapter.
// Callers switch on Code rather than on the concrete type.
type Error struct {
	Code       Code
	Message    string
	StatusCode int           // HTTP status when a response was received
	Details    any           // response body (API_ERROR) or []FieldError (VALIDATION_ERROR)
	RetryAfter time.Duration // RATE_LIMIT only; zero when the header was absent
	Timeout    time.Duration // TIMEOUT only
	Attempts   int           // attempts made before failing
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("llm: ")
	b.WriteString(string(e.Code))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is transient. When a call
// returns a retryable error, the retry budget was exhausted.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeNetwork, CodeRateLimit:
		return true
	case CodeAPI:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// Diagnostics returns the schema diagnostics of a VALIDATION_ERROR.
func (e *Error) Diagnostics() []FieldError {
	fe, _ := e.Details.([]FieldError)
	return fe
}

// CodeOf returns the adapter code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func validationError(msg string, diags []FieldError) *Error {
	e := &Error{Code: CodeValidation, Message: msg}
	if len(diags) > 0 {
		e.Details = diags
	}
	return e
}

func timeoutError(d time.Duration, cause error) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("request exceeded %s", d),
		Timeout: d,
		Err:     cause,
	}
}

func networkError(cause error) *Error {
	return &Error{Code: CodeNetwork, Message: cause.Error(), Err: cause}
}

// maxErrorBody bounds how much of an error response is kept as details.
const maxErrorBody = 64 * 1024

// statusError maps a non-2xx response to the taxonomy.
func statusError(status int, body []byte, header http.Header) *Error {
	msg := providerMessage(body)
	switch {
	case status == http.StatusUnauthorized:
		if msg == "" {
			msg = "invalid or missing API key"
		}
		return &Error{Code: CodeAuth, Message: msg, StatusCode: status}
	case status == http.StatusTooManyRequests:
		if msg == "" {
			msg = "rate limited by provider"
		}
		return &Error{
			Code:       CodeRateLimit,
			Message:    msg,
			StatusCode: status,
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now()),
		}
	default:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &Error{Code: CodeAPI, Message: msg, StatusCode: status, Details: string(body)}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
