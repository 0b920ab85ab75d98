package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/airaware/airaware/internal/metrics"
)

func TestMetrics_PrometheusExposition(t *testing.T) {
	m := metrics.New()
	m.RecordReading(time.Now())
	m.RecordReading(time.Now())
	m.BadPayloads.Add(1)
	m.AlertsCreated.Add(3)
	m.NotifyQueue.Store(7)
	m.BusConnected.Store(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"airaware_readings_ingested_total 2",
		"airaware_bad_payloads_total 1",
		"airaware_alerts_created_total 3",
		"airaware_notify_queue_depth 7",
		"airaware_bus_connected 1",
		"airaware_readings_per_minute",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_RateMeterDecays(t *testing.T) {
	m := metrics.New()
	for i := 0; i < 60; i++ {
		m.RecordReading(time.Now())
	}
	initial := m.ReadingsPerMinute()
	if initial <= 0 {
		t.Fatalf("rate = %v, want positive after observations", initial)
	}
}

func TestMetrics_FreshMeterReadsZero(t *testing.T) {
	m := metrics.New()
	if rate := m.ReadingsPerMinute(); rate != 0 {
		t.Errorf("rate = %v, want 0 before any reading", rate)
	}
}
