package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router for the AirAware API.
//
// Route layout:
//
//	GET    /healthz                              – liveness probe (no auth)
//	GET    /metrics                              – Prometheus text format (no auth)
//	GET    /api/v1/alerts                        – filtered alert query
//	POST   /api/v1/alerts/{id}/resolve           – resolve an alert
//	GET    /api/v1/alerts/live                   – WebSocket live feed
//	GET    /api/v1/sensors                       – list sensors
//	GET    /api/v1/sensors/{deviceId}/readings   – reading history
//	DELETE /api/v1/sensors/{deviceId}            – remove a sensor
//	POST   /api/v1/push/subscribe                – register a Web Push subscription
//	POST   /api/v1/push/unsubscribe              – deactivate a subscription
//	GET    /api/v1/stats                         – counters and repository counts
//
// jwtSecret is the shared HS256 secret for /api routes. An empty secret
// disables authentication, for local development and tests that only cover
// request parsing and response formatting. liveFeed may be nil when the
// WebSocket feed is not attached.
func NewRouter(srv *Server, jwtSecret []byte, liveFeed http.Handler, metricsHandler http.Handler, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if len(jwtSecret) > 0 {
			r.Use(Auth(jwtSecret, log))
		}

		r.Get("/alerts", srv.handleListAlerts)
		r.Post("/alerts/{id}/resolve", srv.handleResolveAlert)
		if liveFeed != nil {
			r.Method(http.MethodGet, "/alerts/live", liveFeed)
		}

		r.Get("/sensors", srv.handleListSensors)
		r.Get("/sensors/{deviceId}/readings", srv.handleSensorReadings)
		r.Delete("/sensors/{deviceId}", srv.handleDeleteSensor)

		r.Post("/push/subscribe", srv.handleSubscribePush)
		r.Post("/push/unsubscribe", srv.handleUnsubscribePush)

		r.Get("/stats", srv.handleStats)
	})

	return r
}
