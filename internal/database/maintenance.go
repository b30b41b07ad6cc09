package database

import (
	"context"
	"fmt"
	"time"
)

// MaintenanceWindow suppresses alerting and window membership for a venue
// while planned work is underway.
type MaintenanceWindow struct {
	ID       int64
	VenueID  string
	StartsAt time.Time
	EndsAt   time.Time
	Reason   string
}

// ReplaceMaintenanceWindows swaps a venue's full window list, the shape used
// by PUT /api/venues/{id}/maintenance.
func (db *DB) ReplaceMaintenanceWindows(ctx context.Context, venueID string, windows []MaintenanceWindow) error {
	if _, err := db.w.ExecContext(ctx,
		`DELETE FROM maintenance_windows WHERE venue_id = ?`, venueID); err != nil {
		return fmt.Errorf("clear maintenance windows: %w", err)
	}
	for _, w := range windows {
		if _, err := db.w.ExecContext(ctx, `
			INSERT INTO maintenance_windows (venue_id, starts_at, ends_at, reason)
			VALUES (?, ?, ?, ?)
		`, venueID, fmtTime(w.StartsAt), fmtTime(w.EndsAt), w.Reason); err != nil {
			return fmt.Errorf("insert maintenance window: %w", err)
		}
	}
	return nil
}

// ListMaintenanceWindows returns a venue's windows ordered by start.
func (db *DB) ListMaintenanceWindows(ctx context.Context, venueID string) ([]MaintenanceWindow, error) {
	rows, err := db.r.QueryContext(ctx, `
		SELECT id, venue_id, starts_at, ends_at, reason
		FROM maintenance_windows WHERE venue_id = ? ORDER BY starts_at
	`, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []MaintenanceWindow
	for rows.Next() {
		var (
			w              MaintenanceWindow
			startsAt, ends string
		)
		if err := rows.Scan(&w.ID, &w.VenueID, &startsAt, &ends, &w.Reason); err != nil {
			return nil, err
		}
		w.StartsAt = parseTime(startsAt)
		w.EndsAt = parseTime(ends)
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// InMaintenance reports whether any window for the venue covers the instant.
func (db *DB) InMaintenance(ctx context.Context, venueID string, now time.Time) (bool, error) {
	var n int
	err := db.r.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM maintenance_windows
		WHERE venue_id = ? AND starts_at <= ? AND ends_at > ?
	`, venueID, fmtTime(now), fmtTime(now)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SweepMaintenanceWindows deletes windows that ended more than a week ago.
func (db *DB) SweepMaintenanceWindows(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.w.ExecContext(ctx,
		`DELETE FROM maintenance_windows WHERE ends_at < ?`,
		fmtTime(now.AddDate(0, 0, -7)))
	if err != nil {
		return 0, fmt.Errorf("sweep maintenance windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
