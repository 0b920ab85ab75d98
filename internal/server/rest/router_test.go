package rest

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/airaware/airaware/internal/metrics"
)

func newAuthedRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := NewServer(&mockStore{}, metrics.New(), logger)
	m := metrics.New()
	return NewRouter(srv, testSecret, nil, m.Handler(), logger)
}

func TestRouterAuthBoundary(t *testing.T) {
	h := newAuthedRouter(t)

	// Unauthenticated probes.
	for _, target := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s without token: status = %d, want 200", target, rec.Code)
		}
	}

	// API routes require a token.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("/api/v1/alerts without token: status = %d, want 401", rec.Code)
	}

	token := signToken(t, testSecret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("/api/v1/alerts with token: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestRouterAuthDisabledWithEmptySecret(t *testing.T) {
	_, h := newTestServer(&mockStore{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("empty secret: status = %d, want 200", rec.Code)
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	_, h := newTestServer(&mockStore{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouterLiveFeedWired(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := NewServer(&mockStore{}, metrics.New(), logger)

	called := false
	feed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusUpgradeRequired)
	})
	h := NewRouter(srv, nil, feed, nil, logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/live", nil))
	if !called {
		t.Error("live feed handler not reached")
	}
}
