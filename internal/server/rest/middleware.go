// Package rest provides the HTTP control surface of the AirAware service.
// This file implements HS256 JWT bearer-token authentication middleware.
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// Tokens are verified with golang-jwt against a shared HMAC secret; only
// HS256 is accepted. On any failure the middleware responds with HTTP 401
// and a JSON error body without calling the next handler.
package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is an unexported type for context keys in this package to
// avoid collisions with keys defined elsewhere.
type contextKey int

const subjectKey contextKey = 0

// SubjectFromContext retrieves the verified token subject injected by
// Auth. It returns ("", false) on unauthenticated requests.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// Auth returns middleware that enforces HS256 JWT bearer-token
// authentication against secret. On success the token subject is stored in
// the request context and the request forwarded; on failure the response
// is HTTP 401 with a JSON error body.
func Auth(secret []byte, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := verifyBearer(r, secret)
			if err != nil {
				log.Warn("auth failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err))
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyBearer extracts the bearer token, verifies the HS256 signature and
// standard time claims, and returns the token subject.
func verifyBearer(r *http.Request, secret []byte) (string, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return "", fmt.Errorf("missing or malformed Authorization header")
	}
	tokenStr := strings.TrimPrefix(raw, "Bearer ")
	if tokenStr == "" {
		return "", fmt.Errorf("empty bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	return claims.Subject, nil
}

// writeJSONError writes an HTTP error response with a JSON body. The
// Content-Type header is set before the status code so it is included even
// when ResponseWriter buffers flush early.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`, detail)
}
