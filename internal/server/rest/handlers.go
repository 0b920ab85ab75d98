package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/metrics"
	"github.com/airaware/airaware/internal/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store   Store
	metrics *metrics.Metrics
	log     *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewServer creates a Server over the given store and metrics set.
func NewServer(store Store, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{store: store, metrics: m, log: log, now: time.Now}
}

// errorStatus maps an error's kind to the HTTP status of the response.
func errorStatus(err error) int {
	switch aerr.KindOf(err) {
	case aerr.KindBadPayload:
		return http.StatusBadRequest
	case aerr.KindNotFound:
		return http.StatusNotFound
	case aerr.KindConflict:
		return http.StatusConflict
	case aerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, slog.Any("error", err))
	writeJSONError(w, errorStatus(err), err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz responds to GET /healthz.
//
// No authentication; returns HTTP 200 with a small JSON body so load
// balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListAlerts responds to GET /api/v1/alerts.
//
// Supported query parameters:
//
//	severity – one of INFO, WARNING, CRITICAL, DANGER (optional)
//	sensorId – exact device id filter (optional)
//	resolved – "true" or "false" (optional; both when absent)
//	limit    – maximum number of results (default 100, max 1000)
//
// Returns HTTP 400 on malformed parameters and HTTP 200 with a JSON array
// of Alert objects, newest first, on success.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AlertFilter{SensorID: q.Get("sensorId")}

	if raw := q.Get("severity"); raw != "" {
		sev := storage.Severity(raw)
		if !sev.Valid() {
			writeJSONError(w, http.StatusBadRequest, "'severity' must be one of INFO, WARNING, CRITICAL, DANGER")
			return
		}
		filter.Severity = &sev
	}

	if raw := q.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'resolved' must be true or false")
			return
		}
		filter.Resolved = &resolved
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, "list alerts failed", err)
		return
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleResolveAlert responds to POST /api/v1/alerts/{id}/resolve.
//
// Resolving an already resolved alert is a no-op and still returns 200, so
// operators retrying a timed-out request cannot fail on their own success.
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.ResolveAlert(r.Context(), id, s.now()); err != nil {
		s.writeStoreError(w, "resolve alert failed", err)
		return
	}
	s.log.Info("alert resolved via api", slog.String("alert_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

// handleListSensors responds to GET /api/v1/sensors.
//
// The optional "status" query parameter filters by sensor status.
func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	var filter storage.SensorFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		switch status := storage.SensorStatus(raw); status {
		case storage.SensorActive, storage.SensorInactive, storage.SensorOffline, storage.SensorMaintenance:
			filter.Status = &status
		default:
			writeJSONError(w, http.StatusBadRequest, "'status' must be one of ACTIVE, INACTIVE, OFFLINE, MAINTENANCE")
			return
		}
	}

	sensors, err := s.store.ListSensors(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, "list sensors failed", err)
		return
	}
	if sensors == nil {
		sensors = []storage.Sensor{}
	}
	writeJSON(w, http.StatusOK, sensors)
}

// handleSensorReadings responds to GET /api/v1/sensors/{deviceId}/readings.
//
// Supported query parameters:
//
//	from  – RFC3339 start of the window (default: 24 hours ago)
//	to    – RFC3339 end of the window (default: now)
//	limit – maximum number of results (default 1000, max 10000)
//
// Returns HTTP 200 with a chronologically ordered JSON array of readings.
func (s *Server) handleSensorReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	q := r.URL.Query()

	now := s.now()
	from, to := now.Add(-24*time.Hour), now
	var err error
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSONError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSONError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
	}
	if !to.After(from) {
		writeJSONError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
	}

	readings, err := s.store.ListReadings(r.Context(), deviceID, from, to, limit)
	if err != nil {
		s.writeStoreError(w, "list readings failed", err)
		return
	}
	if readings == nil {
		readings = []storage.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

// handleDeleteSensor responds to DELETE /api/v1/sensors/{deviceId}.
//
// Sensors with stored readings cannot be deleted; the store returns a
// Conflict error that surfaces as HTTP 409.
func (s *Server) handleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if err := s.store.DeleteSensor(r.Context(), deviceID); err != nil {
		s.writeStoreError(w, "delete sensor failed", err)
		return
	}
	s.log.Info("sensor deleted via api", slog.String("device_id", deviceID))
	w.WriteHeader(http.StatusNoContent)
}

// pushSubscribeRequest is the browser-supplied Web Push subscription, in
// the shape produced by PushSubscription.toJSON().
type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	UserID    string `json:"userId,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

// handleSubscribePush responds to POST /api/v1/push/subscribe.
//
// Re-subscribing an existing endpoint refreshes its keys and reactivates
// it, so browsers rotating subscriptions never accumulate dead rows.
func (s *Server) handleSubscribePush(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeJSONError(w, http.StatusBadRequest, "'endpoint' and 'keys.p256dh' and 'keys.auth' are required")
		return
	}

	id, err := s.store.SavePushSubscription(r.Context(), storage.PushSubscription{
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UserID:    req.UserID,
		UserAgent: req.UserAgent,
		Platform:  req.Platform,
		Active:    true,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.writeStoreError(w, "save push subscription failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleUnsubscribePush responds to POST /api/v1/push/unsubscribe.
func (s *Server) handleUnsubscribePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeJSONError(w, http.StatusBadRequest, "'endpoint' is required")
		return
	}
	if err := s.store.RemovePushSubscription(r.Context(), req.Endpoint); err != nil {
		s.writeStoreError(w, "remove push subscription failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statsResponse is the body of GET /api/v1/stats.
type statsResponse struct {
	Sensors           map[storage.SensorStatus]int `json:"sensors"`
	ActiveAlerts      map[storage.Severity]int     `json:"activeAlerts"`
	ReadingsIngested  int64                        `json:"readingsIngested"`
	ReadingsPerMinute float64                      `json:"readingsPerMinute"`
	BadPayloads       int64                        `json:"badPayloads"`
	DuplicateReadings int64                        `json:"duplicateReadings"`
	AlertsCreated     int64                        `json:"alertsCreated"`
	AlertsUpgraded    int64                        `json:"alertsUpgraded"`
	AlertsDeduped     int64                        `json:"alertsDeduped"`
	AlertsSuppressed  int64                        `json:"alertsSuppressed"`
	NotifySuccess     int64                        `json:"notifySuccess"`
	NotifyFailure     int64                        `json:"notifyFailure"`
	NotifyQueueDepth  int64                        `json:"notifyQueueDepth"`
	BusConnected      bool                         `json:"busConnected"`
	BusReconnects     int64                        `json:"busReconnects"`
}

// handleStats responds to GET /api/v1/stats with repository counts and a
// snapshot of the process counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.store.CountSensorsByStatus(r.Context())
	if err != nil {
		s.writeStoreError(w, "count sensors failed", err)
		return
	}
	alerts, err := s.store.CountActiveAlertsBySeverity(r.Context())
	if err != nil {
		s.writeStoreError(w, "count alerts failed", err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Sensors:           sensors,
		ActiveAlerts:      alerts,
		ReadingsIngested:  s.metrics.ReadingsIngested.Load(),
		ReadingsPerMinute: s.metrics.ReadingsPerMinute(),
		BadPayloads:       s.metrics.BadPayloads.Load(),
		DuplicateReadings: s.metrics.DuplicateReadings.Load(),
		AlertsCreated:     s.metrics.AlertsCreated.Load(),
		AlertsUpgraded:    s.metrics.AlertsUpgraded.Load(),
		AlertsDeduped:     s.metrics.AlertsDeduped.Load(),
		AlertsSuppressed:  s.metrics.AlertsSuppressed.Load(),
		NotifySuccess:     s.metrics.NotifySuccess.Load(),
		NotifyFailure:     s.metrics.NotifyFailure.Load(),
		NotifyQueueDepth:  s.metrics.NotifyQueue.Load(),
		BusConnected:      s.metrics.BusConnected.Load() == 1,
		BusReconnects:     s.metrics.BusReconnects.Load(),
	})
}
