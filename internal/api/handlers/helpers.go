// Package handlers translates HTTP requests into domain service calls.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/matiasleandrokruk/wanderplan/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
)

// paginationParams holds parsed limit and offset values.
type paginationParams struct {
	Limit  int
	Offset int
}

const (
	defaultPaginationLimit = 25
	maxPaginationLimit     = 100
	maxBodyBytes           = 1 << 20
)

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// getUserID retrieves the authenticated user from context.
func getUserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(ctxkeys.UserID).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user_id not found in context")
	}
	return userID, nil
}

// requireUser writes 401 and returns false when no user is in context.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := getUserID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}

// parsePaginationParams extracts limit/offset from the query. Bad values fall
// back to defaults; limit is capped.
func parsePaginationParams(r *http.Request) paginationParams {
	limit := defaultPaginationLimit
	offset := 0

	if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && lim > 0 {
		if lim > maxPaginationLimit {
			lim = maxPaginationLimit
		}
		limit = lim
	}

	if off, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && off >= 0 {
		offset = off
	}

	return paginationParams{Limit: limit, Offset: offset}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}

func writeErrorCode(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message, Code: code})
}

// writeLLMError maps a model adapter failure to a gateway-style response.
// It reports false when err is not an adapter error.
func writeLLMError(w http.ResponseWriter, err error) bool {
	var le *llm.Error
	if !errors.As(err, &le) {
		return false
	}

	status := http.StatusBadGateway
	message := "itinerary generation failed"
	switch le.Code {
	case llm.CodeRateLimit:
		status = http.StatusTooManyRequests
		message = "the model provider is rate limiting requests; try again later"
		if le.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(le.RetryAfter.Seconds()+0.999)))
		}
	case llm.CodeTimeout:
		status = http.StatusGatewayTimeout
		message = "the model provider did not answer in time"
	case llm.CodeValidation:
		message = "the model returned an itinerary that failed validation"
	case llm.CodeAuth:
		message = "the model provider rejected the server credentials"
	case llm.CodeNetwork:
		message = "could not reach the model provider"
	}
	writeErrorCode(w, status, string(le.Code), message)
	return true
}
