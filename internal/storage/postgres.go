package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airaware/airaware/internal/aerr"
)

// pushDeactivationThreshold is the number of consecutive delivery failures
// after which a push subscription is deactivated.
const pushDeactivationThreshold = 5

// Store is the PostgreSQL-backed repository. It is the only shared mutable
// state in the process: all persisted-record mutation goes through it, and
// it is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr, pings the database, and applies
// the schema (idempotent CREATE TABLE IF NOT EXISTS statements).
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindFatal, "storage: pgxpool.New", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, aerr.Wrap(aerr.KindFatal, "storage: ping", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, aerr.Wrap(aerr.KindFatal, "storage: apply schema", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// schema is the bootstrap DDL. The partial unique index on alerts backs the
// "at most one active alert per (sensor, type)" invariant at the database
// level; the per-sensor pipeline lock enforces it at the process level.
const schema = `
CREATE TABLE IF NOT EXISTS sensors (
    sensor_id   TEXT PRIMARY KEY,
    device_id   TEXT NOT NULL UNIQUE,
    model       TEXT,
    description TEXT,
    status      TEXT NOT NULL DEFAULT 'ACTIVE',
    last_update TIMESTAMPTZ NOT NULL,
    location    JSONB,
    tenant_ref  TEXT
);

CREATE TABLE IF NOT EXISTS readings (
    reading_id  TEXT PRIMARY KEY,
    sensor_id   TEXT NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    temperature DOUBLE PRECISION,
    humidity    DOUBLE PRECISION,
    co2         DOUBLE PRECISION,
    voc         DOUBLE PRECISION,
    pm25        DOUBLE PRECISION,
    pm10        DOUBLE PRECISION,
    suspect     TEXT[],
    fingerprint TEXT NOT NULL,
    ingested_at TIMESTAMPTZ NOT NULL,
    UNIQUE (sensor_id, ts, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_readings_sensor_ts ON readings (sensor_id, ts DESC);

CREATE TABLE IF NOT EXISTS alerts (
    alert_id         TEXT PRIMARY KEY,
    alert_type       TEXT NOT NULL,
    severity         TEXT NOT NULL,
    message          TEXT NOT NULL,
    sensor_id        TEXT NOT NULL,
    triggered_at     TIMESTAMPTZ NOT NULL,
    last_seen        TIMESTAMPTZ NOT NULL,
    occurrence_count INTEGER NOT NULL DEFAULT 1,
    reading          JSONB NOT NULL,
    resolved         BOOLEAN NOT NULL DEFAULT FALSE,
    resolved_at      TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_active
    ON alerts (sensor_id, alert_type) WHERE NOT resolved;
CREATE INDEX IF NOT EXISTS idx_alerts_sensor_type ON alerts (sensor_id, alert_type, resolved);

CREATE TABLE IF NOT EXISTS push_subscriptions (
    subscription_id      TEXT PRIMARY KEY,
    endpoint             TEXT NOT NULL UNIQUE,
    p256dh               TEXT NOT NULL,
    auth                 TEXT NOT NULL,
    user_id              TEXT,
    user_agent           TEXT,
    platform             TEXT,
    active               BOOLEAN NOT NULL DEFAULT TRUE,
    success_count        BIGINT NOT NULL DEFAULT 0,
    failure_count        BIGINT NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL,
    last_used_at         TIMESTAMPTZ
);
`

// --- Readings ---

// SaveReading persists r and returns its id. The write is idempotent on
// (sensorId, timestamp, channel fingerprint): redelivered bus messages hit
// the unique constraint and a Conflict error carrying the pre-existing
// reading id is returned instead of a duplicate row.
func (s *Store) SaveReading(ctx context.Context, r Reading) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	fp := r.Fingerprint()

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO readings
			(reading_id, sensor_id, ts, temperature, humidity, co2, voc, pm25, pm10, suspect, fingerprint, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sensor_id, ts, fingerprint) DO NOTHING
		RETURNING reading_id`,
		r.ID, r.SensorID, r.Timestamp,
		r.Temperature, r.Humidity, r.CO2, r.VOC, r.PM25, r.PM10,
		r.Suspect, fp, r.IngestedAt,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", aerr.Wrap(aerr.KindTransient, "storage: save reading", err)
	}

	// ON CONFLICT DO NOTHING returned no row: the reading already exists.
	var dupID string
	err = s.pool.QueryRow(ctx, `
		SELECT reading_id FROM readings
		WHERE  sensor_id = $1 AND ts = $2 AND fingerprint = $3`,
		r.SensorID, r.Timestamp, fp,
	).Scan(&dupID)
	if err != nil {
		return "", aerr.Wrap(aerr.KindTransient, "storage: lookup duplicate reading", err)
	}
	return dupID, aerr.Newf(aerr.KindConflict, "storage: save reading", "duplicate of %s", dupID)
}

// ListReadings returns readings for sensorID with ts in [from, to],
// chronologically ordered. limit defaults to 1000 and is capped at 10000.
func (s *Store) ListReadings(ctx context.Context, sensorID string, from, to time.Time, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 1000
	}
	if limit > 10000 {
		limit = 10000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT reading_id, sensor_id, ts, temperature, humidity, co2, voc, pm25, pm10, suspect, ingested_at
		FROM   readings
		WHERE  sensor_id = $1 AND ts >= $2 AND ts <= $3
		ORDER  BY ts
		LIMIT  $4`,
		sensorID, from, to, limit)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: list readings", err)
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(
			&r.ID, &r.SensorID, &r.Timestamp,
			&r.Temperature, &r.Humidity, &r.CO2, &r.VOC, &r.PM25, &r.PM10,
			&r.Suspect, &r.IngestedAt,
		); err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan reading", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// --- Sensors ---

// UpsertSensor inserts a new sensor or, on device_id conflict, updates all
// mutable fields (last write wins on last_update). It returns the effective
// sensor_id so callers always receive the stable identifier even across
// re-registrations.
func (s *Store) UpsertSensor(ctx context.Context, sn Sensor) (string, error) {
	if sn.ID == "" {
		sn.ID = uuid.NewString()
	}
	var loc []byte
	if sn.Location != nil {
		var err error
		if loc, err = json.Marshal(sn.Location); err != nil {
			return "", aerr.Wrap(aerr.KindPermanent, "storage: marshal location", err)
		}
	}

	var effectiveID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sensors (sensor_id, device_id, model, description, status, last_update, location, tenant_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id) DO UPDATE SET
			model       = EXCLUDED.model,
			description = EXCLUDED.description,
			status      = EXCLUDED.status,
			last_update = EXCLUDED.last_update,
			location    = COALESCE(EXCLUDED.location, sensors.location),
			tenant_ref  = EXCLUDED.tenant_ref
		RETURNING sensor_id`,
		sn.ID, sn.DeviceID,
		nullableStr(sn.Model), nullableStr(sn.Description),
		string(sn.Status), sn.LastUpdate, loc, nullableStr(sn.TenantRef),
	).Scan(&effectiveID)
	if err != nil {
		return "", aerr.Wrap(aerr.KindTransient, "storage: upsert sensor", err)
	}
	return effectiveID, nil
}

// TouchSensor records that deviceID produced a reading at ts: last_update is
// advanced and status set to ACTIVE, auto-registering the sensor on first
// contact. Concurrent touches serialise through the row; last write wins.
func (s *Store) TouchSensor(ctx context.Context, deviceID string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensors (sensor_id, device_id, status, last_update)
		VALUES ($1, $2, 'ACTIVE', $3)
		ON CONFLICT (device_id) DO UPDATE SET
			status      = 'ACTIVE',
			last_update = GREATEST(sensors.last_update, EXCLUDED.last_update)`,
		uuid.NewString(), deviceID, ts,
	)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "storage: touch sensor", err)
	}
	return nil
}

// FindSensorByDeviceID returns the sensor registered under deviceID, or a
// NotFound error.
func (s *Store) FindSensorByDeviceID(ctx context.Context, deviceID string) (*Sensor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sensor_id, device_id, model, description, status, last_update, location, tenant_ref
		FROM   sensors
		WHERE  device_id = $1`, deviceID)
	sn, err := scanSensor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, aerr.Newf(aerr.KindNotFound, "storage: find sensor", "device %q not registered", deviceID)
	}
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: find sensor", err)
	}
	return sn, nil
}

// ListSensors returns sensors matching filter, ordered by device_id.
func (s *Store) ListSensors(ctx context.Context, filter SensorFilter) ([]Sensor, error) {
	query := `
		SELECT sensor_id, device_id, model, description, status, last_update, location, tenant_ref
		FROM   sensors`
	args := []any{}
	if filter.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY device_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: list sensors", err)
	}
	defer rows.Close()

	var sensors []Sensor
	for rows.Next() {
		sn, err := scanSensor(rows)
		if err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan sensor", err)
		}
		sensors = append(sensors, *sn)
	}
	return sensors, rows.Err()
}

// DeleteSensor removes the sensor registered under deviceID. Sensors that
// still have readings referencing them are never deleted; a Conflict error
// is returned instead. The readings check and the delete are one statement,
// so a reading ingested concurrently cannot slip between them.
func (s *Store) DeleteSensor(ctx context.Context, deviceID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sensors
		WHERE  device_id = $1
		  AND  NOT EXISTS (SELECT 1 FROM readings WHERE sensor_id = $1)`,
		deviceID)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "storage: delete sensor", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sensors WHERE device_id = $1)`, deviceID,
	).Scan(&exists)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "storage: delete sensor", err)
	}
	if exists {
		return aerr.Newf(aerr.KindConflict, "storage: delete sensor", "readings reference device %q", deviceID)
	}
	return aerr.Newf(aerr.KindNotFound, "storage: delete sensor", "device %q not registered", deviceID)
}

// MarkSensorsOffline flips every non-OFFLINE sensor whose last_update is
// before cutoff to OFFLINE and returns the affected device ids. Called by
// the pipeline's sweeper.
func (s *Store) MarkSensorsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE sensors
		SET    status = 'OFFLINE'
		WHERE  last_update < $1 AND status NOT IN ('OFFLINE', 'MAINTENANCE')
		RETURNING device_id`, cutoff)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: mark sensors offline", err)
	}
	defer rows.Close()

	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan offline sensor", err)
		}
		marked = append(marked, id)
	}
	return marked, rows.Err()
}

// CountSensorsByStatus returns the number of sensors in each status.
func (s *Store) CountSensorsByStatus(ctx context.Context) (map[SensorStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM sensors GROUP BY status`)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: count sensors", err)
	}
	defer rows.Close()

	counts := make(map[SensorStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan sensor count", err)
		}
		counts[SensorStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- Alerts ---

// SaveAlert inserts a new alert. Inserting a second active alert for the
// same (sensor, type) violates the partial unique index and surfaces as a
// Conflict error; under the per-sensor pipeline lock this only happens if a
// second process races the same sensor.
func (s *Store) SaveAlert(ctx context.Context, a Alert) error {
	snapshot, err := json.Marshal(a.Reading)
	if err != nil {
		return aerr.Wrap(aerr.KindPermanent, "storage: marshal reading snapshot", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO alerts
			(alert_id, alert_type, severity, message, sensor_id, triggered_at, last_seen, occurrence_count, reading, resolved, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, string(a.Type), string(a.Severity), a.Message, a.SensorID,
		a.TriggeredAt, a.LastSeen, a.OccurrenceCount, snapshot, a.Resolved, a.ResolvedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return aerr.Wrap(aerr.KindConflict, "storage: save alert", err)
		}
		return aerr.Wrap(aerr.KindTransient, "storage: save alert", err)
	}
	return nil
}

// UpdateAlert replaces the mutable dedup fields of an existing alert
// (severity, message, last_seen, occurrence_count, reading snapshot). The
// update only touches unresolved rows: an alert resolved after the caller
// loaded it surfaces as a Conflict error, telling the caller its copy is
// stale and the dedup decision must be re-made against current state.
func (s *Store) UpdateAlert(ctx context.Context, a Alert) error {
	snapshot, err := json.Marshal(a.Reading)
	if err != nil {
		return aerr.Wrap(aerr.KindPermanent, "storage: marshal reading snapshot", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET    severity         = $2,
		       message          = $3,
		       last_seen        = $4,
		       occurrence_count = $5,
		       reading          = $6
		WHERE  alert_id = $1 AND NOT resolved`,
		a.ID, string(a.Severity), a.Message, a.LastSeen, a.OccurrenceCount, snapshot,
	)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "storage: update alert", err)
	}
	if tag.RowsAffected() == 0 {
		var resolved bool
		err := s.pool.QueryRow(ctx,
			`SELECT resolved FROM alerts WHERE alert_id = $1`, a.ID,
		).Scan(&resolved)
		if errors.Is(err, pgx.ErrNoRows) {
			return aerr.Newf(aerr.KindNotFound, "storage: update alert", "alert %q not found", a.ID)
		}
		if err != nil {
			return aerr.Wrap(aerr.KindTransient, "storage: update alert", err)
		}
		return aerr.Newf(aerr.KindConflict, "storage: update alert", "alert %q already resolved", a.ID)
	}
	return nil
}

// FindActiveAlert returns the unresolved alert for (sensorID, typ), or nil
// when none is active.
func (s *Store) FindActiveAlert(ctx context.Context, sensorID string, typ AlertType) (*Alert, error) {
	row := s.pool.QueryRow(ctx, alertSelect+`
		WHERE sensor_id = $1 AND alert_type = $2 AND NOT resolved`,
		sensorID, string(typ))
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: find active alert", err)
	}
	return a, nil
}

// FindLatestResolved returns the most recently resolved alert for
// (sensorID, typ) with resolved_at >= since, or nil. The pipeline uses it
// to apply the post-resolution cooldown.
func (s *Store) FindLatestResolved(ctx context.Context, sensorID string, typ AlertType, since time.Time) (*Alert, error) {
	row := s.pool.QueryRow(ctx, alertSelect+`
		WHERE sensor_id = $1 AND alert_type = $2 AND resolved AND resolved_at >= $3
		ORDER BY resolved_at DESC
		LIMIT 1`,
		sensorID, string(typ), since)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: find resolved alert", err)
	}
	return a, nil
}

// ListAlerts returns alerts matching filter, newest first. Limit defaults
// to 100 and is capped at 1000.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}

	where := "WHERE TRUE"
	args := []any{}
	idx := 1
	if filter.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", idx)
		args = append(args, string(*filter.Severity))
		idx++
	}
	if filter.SensorID != "" {
		where += fmt.Sprintf(" AND sensor_id = $%d", idx)
		args = append(args, filter.SensorID)
		idx++
	}
	if filter.Resolved != nil {
		where += fmt.Sprintf(" AND resolved = $%d", idx)
		args = append(args, *filter.Resolved)
		idx++
	}
	args = append(args, filter.Limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`%s
		%s
		ORDER BY triggered_at DESC, alert_id
		LIMIT $%d`, alertSelect, where, idx), args...)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: list alerts", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan alert", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// ListUnresolvedAlerts returns every active alert, oldest first. Used by
// the optional startup replay into the notifier.
func (s *Store) ListUnresolvedAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, alertSelect+`
		WHERE NOT resolved
		ORDER BY triggered_at`)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: list unresolved alerts", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan alert", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks the alert as resolved at now. Resolving an
// already-resolved alert is a no-op; an unknown id is a NotFound error.
// Resolution is linearizable with respect to dedup: once the UPDATE
// commits, FindActiveAlert no longer returns the alert.
func (s *Store) ResolveAlert(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET    resolved = TRUE, resolved_at = $2
		WHERE  alert_id = $1 AND NOT resolved`, id, now)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "storage: resolve alert", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM alerts WHERE alert_id = $1)`, id,
		).Scan(&exists); err != nil {
			return aerr.Wrap(aerr.KindTransient, "storage: resolve alert", err)
		}
		if !exists {
			return aerr.Newf(aerr.KindNotFound, "storage: resolve alert", "alert %q not found", id)
		}
	}
	return nil
}

// CountActiveAlertsBySeverity returns the number of unresolved alerts per
// severity band.
func (s *Store) CountActiveAlertsBySeverity(ctx context.Context) (map[Severity]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT severity, COUNT(*) FROM alerts WHERE NOT resolved GROUP BY severity`)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: count alerts", err)
	}
	defer rows.Close()

	counts := make(map[Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan alert count", err)
		}
		counts[Severity(sev)] = n
	}
	return counts, rows.Err()
}

// --- Push subscriptions ---

// SavePushSubscription inserts a subscription or, on endpoint conflict,
// refreshes its keys and metadata and reactivates it. Returns the effective
// subscription id.
func (s *Store) SavePushSubscription(ctx context.Context, sub PushSubscription) (string, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	var effectiveID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO push_subscriptions
			(subscription_id, endpoint, p256dh, auth, user_id, user_agent, platform, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh               = EXCLUDED.p256dh,
			auth                 = EXCLUDED.auth,
			user_id              = EXCLUDED.user_id,
			user_agent           = EXCLUDED.user_agent,
			platform             = EXCLUDED.platform,
			active               = TRUE,
			consecutive_failures = 0
		RETURNING subscription_id`,
		sub.ID, sub.Endpoint, sub.P256dh, sub.Auth,
		nullableStr(sub.UserID), nullableStr(sub.UserAgent), nullableStr(sub.Platform),
		sub.CreatedAt,
	).Scan(&effectiveID)
	if err != nil {
		return "", aerr.Wrap(aerr.KindTransient, "storage: save push subscription", err)
	}
	return effectiveID, nil
}

// RemovePushSubscription deletes the subscription for endpoint. Removing an
// unknown endpoint is a NotFound error.
func (s *Store) RemovePushSubscription(ctx context.Context, endpoint string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "storage: remove push subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return aerr.New(aerr.KindNotFound, "storage: remove push subscription", "endpoint not registered")
	}
	return nil
}

// ListActivePushSubscriptions returns every active subscription. When
// operatorOnly is true, only subscriptions bound to a user are returned
// (the normal CRITICAL routing); DANGER fan-out passes false to reach all
// active subscriptions regardless of user binding.
func (s *Store) ListActivePushSubscriptions(ctx context.Context, operatorOnly bool) ([]PushSubscription, error) {
	query := `
		SELECT subscription_id, endpoint, p256dh, auth, user_id, user_agent, platform,
		       active, success_count, failure_count, consecutive_failures, created_at, last_used_at
		FROM   push_subscriptions
		WHERE  active`
	if operatorOnly {
		query += ` AND user_id IS NOT NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindTransient, "storage: list push subscriptions", err)
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		sub, err := scanPushSubscription(rows)
		if err != nil {
			return nil, aerr.Wrap(aerr.KindTransient, "storage: scan push subscription", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// RecordPushAttempt atomically updates the delivery counters for endpoint.
// On success the consecutive-failure streak resets and last_used_at is
// advanced. On failure the streak grows and the subscription is deactivated
// at five consecutive failures — on that very attempt — or immediately when
// permanent is true (endpoint returned 410 Gone or 404).
func (s *Store) RecordPushAttempt(ctx context.Context, endpoint string, success, permanent bool) error {
	var tag pgconn.CommandTag
	var err error
	if success {
		tag, err = s.pool.Exec(ctx, `
			UPDATE push_subscriptions
			SET    success_count        = success_count + 1,
			       consecutive_failures = 0,
			       last_used_at         = NOW()
			WHERE  endpoint = $1`, endpoint)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE push_subscriptions
			SET    failure_count        = failure_count + 1,
			       consecutive_failures = consecutive_failures + 1,
			       active               = active AND NOT $2 AND consecutive_failures + 1 < $3,
			       last_used_at         = NOW()
			WHERE  endpoint = $1`, endpoint, permanent, pushDeactivationThreshold)
	}
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "storage: record push attempt", err)
	}
	if tag.RowsAffected() == 0 {
		return aerr.New(aerr.KindNotFound, "storage: record push attempt", "endpoint not registered")
	}
	return nil
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

const alertSelect = `
	SELECT alert_id, alert_type, severity, message, sensor_id,
	       triggered_at, last_seen, occurrence_count, reading, resolved, resolved_at
	FROM   alerts`

func scanAlert(sc scanner) (*Alert, error) {
	var a Alert
	var typ, sev string
	var snapshot []byte
	err := sc.Scan(
		&a.ID, &typ, &sev, &a.Message, &a.SensorID,
		&a.TriggeredAt, &a.LastSeen, &a.OccurrenceCount,
		&snapshot, &a.Resolved, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type = AlertType(typ)
	a.Severity = Severity(sev)
	if err := json.Unmarshal(snapshot, &a.Reading); err != nil {
		return nil, fmt.Errorf("unmarshal reading snapshot: %w", err)
	}
	return &a, nil
}

func scanSensor(sc scanner) (*Sensor, error) {
	var sn Sensor
	var model, description, tenantRef *string
	var status string
	var loc []byte
	err := sc.Scan(
		&sn.ID, &sn.DeviceID, &model, &description,
		&status, &sn.LastUpdate, &loc, &tenantRef,
	)
	if err != nil {
		return nil, err
	}
	sn.Status = SensorStatus(status)
	if model != nil {
		sn.Model = *model
	}
	if description != nil {
		sn.Description = *description
	}
	if tenantRef != nil {
		sn.TenantRef = *tenantRef
	}
	if len(loc) > 0 {
		sn.Location = &Location{}
		if err := json.Unmarshal(loc, sn.Location); err != nil {
			return nil, fmt.Errorf("unmarshal location: %w", err)
		}
	}
	return &sn, nil
}

func scanPushSubscription(sc scanner) (*PushSubscription, error) {
	var sub PushSubscription
	var userID, userAgent, platform *string
	err := sc.Scan(
		&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth,
		&userID, &userAgent, &platform,
		&sub.Active, &sub.SuccessCount, &sub.FailureCount, &sub.ConsecutiveFailures,
		&sub.CreatedAt, &sub.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		sub.UserID = *userID
	}
	if userAgent != nil {
		sub.UserAgent = *userAgent
	}
	if platform != nil {
		sub.Platform = *platform
	}
	return &sub, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
