package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Alert is one persisted watchdog or operator alert.
type Alert struct {
	ID             string
	VenueID        string
	Kind           string // info | warning | critical | emergency
	Type           string // e.g. stream_stopped
	Message        string
	Context        string // raw JSON from the agent
	CreatedAt      time.Time
	AcknowledgedAt time.Time
	AcknowledgedBy string
	Escalated      bool
	Resolved       bool
	AutoResolved   bool
	Notified       bool
}

// Acknowledged reports whether anyone has claimed the alert.
func (a *Alert) Acknowledged() bool { return !a.AcknowledgedAt.IsZero() }

// InsertAlert persists a newly classified alert.
func (db *DB) InsertAlert(ctx context.Context, a *Alert) error {
	if a.Context == "" {
		a.Context = "{}"
	}
	_, err := db.w.ExecContext(ctx, `
		INSERT INTO alerts (id, venue_id, kind, type, message, context, created_at,
		                    escalated, resolved, auto_resolved, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.VenueID, a.Kind, a.Type, a.Message, a.Context, fmtTime(a.CreatedAt),
		boolInt(a.Escalated), boolInt(a.Resolved), boolInt(a.AutoResolved), boolInt(a.Notified))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

const alertColumns = `id, venue_id, kind, type, message, context, created_at,
	COALESCE(acknowledged_at, ''), COALESCE(acknowledged_by, ''),
	escalated, resolved, auto_resolved, notified`

func scanAlert(row interface{ Scan(...any) error }) (*Alert, error) {
	var (
		a                Alert
		createdAt, ackAt string
		esc, res, auto   int
		notified         int
	)
	err := row.Scan(&a.ID, &a.VenueID, &a.Kind, &a.Type, &a.Message, &a.Context,
		&createdAt, &ackAt, &a.AcknowledgedBy, &esc, &res, &auto, &notified)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.AcknowledgedAt = parseTime(ackAt)
	a.Escalated = esc != 0
	a.Resolved = res != 0
	a.AutoResolved = auto != 0
	a.Notified = notified != 0
	return &a, nil
}

// GetAlert loads one alert by id.
func (db *DB) GetAlert(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(db.r.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetAlertByPrefix resolves an ack token: the first 8 hex chars of an alert
// id, as embedded in Telegram /ack_ commands. Ambiguous prefixes resolve to
// the most recent match.
func (db *DB) GetAlertByPrefix(ctx context.Context, prefix string) (*Alert, error) {
	a, err := scanAlert(db.r.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE id LIKE ? ORDER BY created_at DESC LIMIT 1`, prefix+"%"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAlerts returns recent alerts, newest first. venueID filters when
// non-empty; limit caps the result (default 100).
func (db *DB) ListAlerts(ctx context.Context, venueID string, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if venueID != "" {
		rows, err = db.r.QueryContext(ctx,
			`SELECT `+alertColumns+` FROM alerts
			 WHERE venue_id = ? ORDER BY created_at DESC LIMIT ?`, venueID, limit)
	} else {
		rows, err = db.r.QueryContext(ctx,
			`SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert records who claimed the alert. Idempotent: a second ack
// keeps the first responder and timestamp.
func (db *DB) AcknowledgeAlert(ctx context.Context, id, responder string, at time.Time) error {
	res, err := db.w.ExecContext(ctx, `
		UPDATE alerts SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL
	`, fmtTime(at), responder, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Either already acknowledged (fine) or missing (not).
	var one int
	err = db.r.QueryRowContext(ctx, `SELECT 1 FROM alerts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// MarkAlertEscalated flips the escalated flag after the grace period lapses
// without an ack.
func (db *DB) MarkAlertEscalated(ctx context.Context, id string) error {
	_, err := db.w.ExecContext(ctx, `UPDATE alerts SET escalated = 1 WHERE id = ?`, id)
	return err
}

// MarkAlertNotified records that operator notifications went out.
func (db *DB) MarkAlertNotified(ctx context.Context, id string) error {
	_, err := db.w.ExecContext(ctx, `UPDATE alerts SET notified = 1 WHERE id = ?`, id)
	return err
}

// MarkAlertAutoResolved records a successful auto-recovery action.
func (db *DB) MarkAlertAutoResolved(ctx context.Context, id string) error {
	_, err := db.w.ExecContext(ctx,
		`UPDATE alerts SET auto_resolved = 1, resolved = 1 WHERE id = ?`, id)
	return err
}

// ResolveAlert marks an alert resolved without an auto-recovery claim.
func (db *DB) ResolveAlert(ctx context.Context, id string) error {
	_, err := db.w.ExecContext(ctx, `UPDATE alerts SET resolved = 1 WHERE id = ?`, id)
	return err
}

// CountOpenAlerts returns the number of unresolved alerts for the dashboard
// snapshot.
func (db *DB) CountOpenAlerts(ctx context.Context) (int, error) {
	var n int
	err := db.r.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE resolved = 0`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
