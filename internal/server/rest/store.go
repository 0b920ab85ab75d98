package rest

import (
	"context"
	"time"

	"github.com/airaware/airaware/internal/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// ListAlerts returns alerts matching the filter, newest first.
	ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]storage.Alert, error)

	// ResolveAlert marks the alert resolved at now. Resolving an already
	// resolved alert is a no-op.
	ResolveAlert(ctx context.Context, id string, now time.Time) error

	// CountActiveAlertsBySeverity returns the number of unresolved alerts
	// per severity band.
	CountActiveAlertsBySeverity(ctx context.Context) (map[storage.Severity]int, error)

	// ListSensors returns sensors matching the filter, ordered by device id.
	ListSensors(ctx context.Context, filter storage.SensorFilter) ([]storage.Sensor, error)

	// ListReadings returns readings for sensorID in [from, to],
	// chronologically ordered.
	ListReadings(ctx context.Context, sensorID string, from, to time.Time, limit int) ([]storage.Reading, error)

	// DeleteSensor removes the sensor registered under deviceID.
	DeleteSensor(ctx context.Context, deviceID string) error

	// CountSensorsByStatus returns the number of sensors per status.
	CountSensorsByStatus(ctx context.Context) (map[storage.SensorStatus]int, error)

	// SavePushSubscription stores or refreshes a Web Push subscription.
	SavePushSubscription(ctx context.Context, sub storage.PushSubscription) (string, error)

	// RemovePushSubscription deactivates the subscription for endpoint.
	RemovePushSubscription(ctx context.Context, endpoint string) error
}
