// Package storage provides the PostgreSQL-backed persistence layer for the
// AirAware service. It exposes typed model structs for the four persisted
// record families (sensors, readings, alerts, push subscriptions) and a
// Store that wraps a pgxpool connection pool.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SensorStatus is the liveness state of a sensor as seen by the service.
type SensorStatus string

const (
	SensorActive      SensorStatus = "ACTIVE"
	SensorInactive    SensorStatus = "INACTIVE"
	SensorOffline     SensorStatus = "OFFLINE"
	SensorMaintenance SensorStatus = "MAINTENANCE"
)

// AlertType is the threshold rule family that produced an alert.
type AlertType string

const (
	AlertCO2High      AlertType = "CO2_HIGH"
	AlertPM25High     AlertType = "PM25_HIGH"
	AlertPM10High     AlertType = "PM10_HIGH"
	AlertVOCHigh      AlertType = "VOC_HIGH"
	AlertTempHigh     AlertType = "TEMP_HIGH"
	AlertTempLow      AlertType = "TEMP_LOW"
	AlertHumidityHigh AlertType = "HUMIDITY_HIGH"
	AlertHumidityLow  AlertType = "HUMIDITY_LOW"
)

// Severity is the urgency band of an alert. Bands are ordered; Rank
// converts a band to its position on the ladder for comparisons.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeverityDanger   Severity = "DANGER"
)

// Rank returns the severity's position on the ladder
// (INFO < WARNING < CRITICAL < DANGER). Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	case SeverityDanger:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four defined bands.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Location is the geographic position of a sensor.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	City      string   `json:"city,omitempty"`
	Country   string   `json:"country,omitempty"`
}

// Sensor maps to the `sensors` table.
//
// DeviceID is the external identifier carried in bus payloads and is unique
// across the deployment. LastUpdate is bumped by every accepted reading and
// drives the offline sweeper.
type Sensor struct {
	ID          string       `json:"id"`
	DeviceID    string       `json:"deviceId"`
	Model       string       `json:"model,omitempty"`
	Description string       `json:"description,omitempty"`
	Status      SensorStatus `json:"status"`
	LastUpdate  time.Time    `json:"lastUpdate"`
	Location    *Location    `json:"location,omitempty"`
	TenantRef   string       `json:"tenantRef,omitempty"`
}

// Reading maps to the `readings` table. A reading is immutable once stored.
//
// Channel fields are nil when the sensor did not report that channel;
// nil channels are never evaluated against thresholds. Suspect lists the
// names of channels whose values fall outside the validity ranges; suspect
// channels are stored but excluded from evaluation.
type Reading struct {
	ID          string    `json:"id"`
	SensorID    string    `json:"sensorId"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	CO2         *float64  `json:"co2,omitempty"`
	VOC         *float64  `json:"voc,omitempty"`
	PM25        *float64  `json:"pm25,omitempty"`
	PM10        *float64  `json:"pm10,omitempty"`
	Suspect     []string  `json:"suspect,omitempty"`
	IngestedAt  time.Time `json:"ingestedAt"`
}

// Fingerprint returns a stable hex digest of the reading's channel values.
// Together with (sensorId, timestamp) it forms the idempotency key that
// makes SaveReading safe under broker redelivery.
func (r Reading) Fingerprint() string {
	h := sha256.New()
	for _, ch := range []*float64{r.Temperature, r.Humidity, r.CO2, r.VOC, r.PM25, r.PM10} {
		if ch == nil {
			h.Write([]byte("-"))
			continue
		}
		fmt.Fprintf(h, "%g", *ch)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Alert maps to the `alerts` table.
//
// At most one alert per (SensorID, Type) has Resolved == false at any time;
// newer candidates bump OccurrenceCount and LastSeen on the active alert
// (upgrading Severity when strictly higher) instead of creating duplicates.
// Reading is an embedded snapshot of the reading that triggered (or last
// extended) the alert.
type Alert struct {
	ID              string     `json:"id"`
	Type            AlertType  `json:"type"`
	Severity        Severity   `json:"severity"`
	Message         string     `json:"message"`
	SensorID        string     `json:"sensorId"`
	TriggeredAt     time.Time  `json:"triggeredAt"`
	LastSeen        time.Time  `json:"lastSeen"`
	OccurrenceCount int        `json:"occurrenceCount"`
	Reading         Reading    `json:"reading"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

// PushSubscription maps to the `push_subscriptions` table.
//
// A subscription is deactivated after five consecutive delivery failures or
// immediately when the push endpoint signals permanent removal (410/404).
type PushSubscription struct {
	ID                  string     `json:"id"`
	Endpoint            string     `json:"endpoint"`
	P256dh              string     `json:"p256dh"`
	Auth                string     `json:"auth"`
	UserID              string     `json:"userId,omitempty"`
	UserAgent           string     `json:"userAgent,omitempty"`
	Platform            string     `json:"platform,omitempty"`
	Active              bool       `json:"active"`
	SuccessCount        int64      `json:"successCount"`
	FailureCount        int64      `json:"failureCount"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastUsedAt          *time.Time `json:"lastUsedAt,omitempty"`
}

// AlertFilter carries the optional filters for ListAlerts. Nil / empty
// fields match everything.
type AlertFilter struct {
	Severity *Severity
	SensorID string
	Resolved *bool
	Limit    int
}

// SensorFilter carries the optional filters for ListSensors.
type SensorFilter struct {
	Status *SensorStatus
}
