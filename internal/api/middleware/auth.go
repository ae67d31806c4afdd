package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/matiasleandrokruk/wanderplan/internal/api/ctxkeys"
	pkgauth "github.com/matiasleandrokruk/wanderplan/pkg/auth"
)

// TokenParser validates session tokens. pkgauth.TokenIssuer satisfies it.
type TokenParser interface {
	Parse(token string) (*pkgauth.Claims, error)
}

// AuthMiddleware validates the Bearer token and injects the user id and email
// into the request context.
//
// Flow:
//  1. Read "Authorization: Bearer <token>"
//  2. Reject if missing or not Bearer scheme → 401
//  3. Parse and validate the token → 401 on invalid or expired
//  4. Inject ctxkeys.UserID and ctxkeys.Email
func AuthMiddleware(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearerToken(r)
			if tokenString == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}

			claims, err := tokens.Parse(tokenString)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := ctxkeys.WithValue(r.Context(), ctxkeys.UserID, claims.UserID)
			ctx = ctxkeys.WithValue(ctx, ctxkeys.Email, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" if the header is missing, uses another scheme, or is empty.
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// writeJSONError matches the {"error": "..."} body written by handlers.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
