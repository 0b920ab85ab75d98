// Package metrics holds the process counters. Counters are plain atomics so
// the stats endpoint can read them as JSON; the Prometheus registry reads
// the same atomics through CounterFunc/GaugeFunc, keeping /metrics and
// /api/v1/stats consistent by construction.
package metrics

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of counters maintained by the pipeline, bus, and
// notifier. All fields are safe for concurrent use.
type Metrics struct {
	ReadingsIngested  atomic.Int64
	BadPayloads       atomic.Int64
	DuplicateReadings atomic.Int64

	AlertsCreated    atomic.Int64
	AlertsUpgraded   atomic.Int64
	AlertsDeduped    atomic.Int64
	AlertsSuppressed atomic.Int64

	NotifySuccess atomic.Int64
	NotifyFailure atomic.Int64
	NotifyQueue   atomic.Int64 // current depth, gauge

	BusReconnects atomic.Int64
	BusConnected  atomic.Int64 // 0 or 1, gauge

	SensorsMarkedOffline atomic.Int64

	rate rateMeter

	registry *prometheus.Registry
}

// New creates the metrics set and registers the Prometheus collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.rate.halfLife = time.Minute

	counter := func(name, help string, v *atomic.Int64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "airaware", Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "airaware", Name: name, Help: help,
		}, f)
	}

	m.registry.MustRegister(
		counter("readings_ingested_total", "Readings persisted.", &m.ReadingsIngested),
		counter("bad_payloads_total", "Bus payloads rejected by the codec.", &m.BadPayloads),
		counter("duplicate_readings_total", "Redelivered readings dropped as duplicates.", &m.DuplicateReadings),
		counter("alerts_created_total", "New alerts persisted.", &m.AlertsCreated),
		counter("alerts_upgraded_total", "Active alerts upgraded in severity.", &m.AlertsUpgraded),
		counter("alerts_deduped_total", "Candidates folded into an active alert.", &m.AlertsDeduped),
		counter("alerts_suppressed_total", "Candidates suppressed by the post-resolution cooldown.", &m.AlertsSuppressed),
		counter("notify_success_total", "Successful notification deliveries.", &m.NotifySuccess),
		counter("notify_failure_total", "Failed notification deliveries.", &m.NotifyFailure),
		counter("bus_reconnects_total", "Completed bus reconnect cycles.", &m.BusReconnects),
		counter("sensors_marked_offline_total", "Sensors flipped to OFFLINE by the sweeper.", &m.SensorsMarkedOffline),
		gauge("notify_queue_depth", "Alerts waiting in the notifier queue.",
			func() float64 { return float64(m.NotifyQueue.Load()) }),
		gauge("bus_connected", "1 when the bus subscription is established.",
			func() float64 { return float64(m.BusConnected.Load()) }),
		gauge("readings_per_minute", "Exponentially weighted ingest rate.",
			m.ReadingsPerMinute),
	)
	return m
}

// RecordReading counts one persisted reading and feeds the rate meter.
func (m *Metrics) RecordReading(now time.Time) {
	m.ReadingsIngested.Add(1)
	m.rate.observe(now)
}

// ReadingsPerMinute returns the exponentially weighted ingest rate.
func (m *Metrics) ReadingsPerMinute() float64 {
	return m.rate.perMinute(time.Now())
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// rateMeter is an exponentially decaying event-rate estimator. Each
// observation bumps a decayed count; the per-minute rate is the decayed
// count scaled by the decay window.
type rateMeter struct {
	mu       sync.Mutex
	halfLife time.Duration
	count    float64
	last     time.Time
}

func (r *rateMeter) observe(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decay(now)
	r.count++
}

func (r *rateMeter) perMinute(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decay(now)
	// count holds roughly the events of the last half-life window; scale
	// to a one-minute rate.
	scale := float64(time.Minute) / float64(r.halfLife)
	return r.count * scale * math.Ln2
}

func (r *rateMeter) decay(now time.Time) {
	if r.last.IsZero() {
		r.last = now
		return
	}
	elapsed := now.Sub(r.last)
	if elapsed <= 0 {
		return
	}
	r.count *= math.Exp2(-float64(elapsed) / float64(r.halfLife))
	r.last = now
}
