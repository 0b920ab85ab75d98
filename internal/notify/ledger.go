// Package notify fans persisted alerts out to the configured channels:
// email, SMS, chat webhooks, and Web Push. Delivery bookkeeping lives in a
// WAL-mode SQLite ledger so idempotency and cooldown windows survive
// restarts.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/airaware/airaware/internal/storage"
)

const (
	// successWindow is the idempotency window: one successful delivery per
	// (alert, channel, recipient) within it.
	successWindow = 24 * time.Hour

	// recipientCooldown is the minimum spacing between deliveries to the
	// same recipient for the same alert. DANGER may bypass it once.
	recipientCooldown = 5 * time.Minute
)

// Ledger records delivery attempts and outcomes per (alert, channel,
// recipient). It is safe for concurrent use; SQLite serialises writers
// through a single connection.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (or creates) the ledger database at path. ":memory:" is
// accepted for tests.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("notify: open ledger %q: %w", path, err)
	}

	// One writer at a time; concurrent Reserve calls serialise through this
	// connection instead of failing with "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notify: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notify: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ledgerDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notify: apply ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

const ledgerDDL = `
CREATE TABLE IF NOT EXISTS deliveries (
    alert_id           TEXT NOT NULL,
    channel            TEXT NOT NULL,
    recipient          TEXT NOT NULL,
    attempts           INTEGER NOT NULL DEFAULT 0,
    last_attempt_at    TEXT,
    last_success_at    TEXT,
    danger_bypass_used INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (alert_id, channel, recipient)
);
`

// Reserve decides whether a delivery to (alertID, channel, recipient) may
// proceed now and, when it may, records the attempt in the same
// transaction. Rules, in order:
//
//   - a success within the last 24 h blocks the delivery (idempotency),
//   - an attempt within the last 5 min blocks it (cooldown), unless
//     severity is DANGER and the alert's one-time bypass is unused.
//
// Callers that get true must follow up with RecordOutcome.
func (l *Ledger) Reserve(ctx context.Context, alertID, channel, recipient string, severity storage.Severity, now time.Time) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("notify: ledger begin: %w", err)
	}
	defer tx.Rollback()

	var (
		lastAttempt sql.NullString
		lastSuccess sql.NullString
		bypassUsed  bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT last_attempt_at, last_success_at, danger_bypass_used
		FROM   deliveries
		WHERE  alert_id = ? AND channel = ? AND recipient = ?`,
		alertID, channel, recipient,
	).Scan(&lastAttempt, &lastSuccess, &bypassUsed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("notify: ledger lookup: %w", err)
	}

	useBypass := false
	if err == nil {
		if t, ok := parseLedgerTime(lastSuccess); ok && now.Sub(t) < successWindow {
			return false, nil
		}
		if t, ok := parseLedgerTime(lastAttempt); ok && now.Sub(t) < recipientCooldown {
			if severity != storage.SeverityDanger || bypassUsed {
				return false, nil
			}
			useBypass = true
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deliveries (alert_id, channel, recipient, attempts, last_attempt_at, danger_bypass_used)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (alert_id, channel, recipient) DO UPDATE SET
			attempts           = attempts + 1,
			last_attempt_at    = excluded.last_attempt_at,
			danger_bypass_used = danger_bypass_used OR excluded.danger_bypass_used`,
		alertID, channel, recipient, formatLedgerTime(now), useBypass,
	)
	if err != nil {
		return false, fmt.Errorf("notify: ledger reserve: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("notify: ledger commit: %w", err)
	}
	return true, nil
}

// RecordOutcome stores the result of a reserved delivery.
func (l *Ledger) RecordOutcome(ctx context.Context, alertID, channel, recipient string, success bool, now time.Time) error {
	if !success {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE deliveries
		SET    last_success_at = ?
		WHERE  alert_id = ? AND channel = ? AND recipient = ?`,
		formatLedgerTime(now), alertID, channel, recipient,
	)
	if err != nil {
		return fmt.Errorf("notify: ledger record outcome: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

func formatLedgerTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseLedgerTime(s sql.NullString) (time.Time, bool) {
	if !s.Valid || s.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
