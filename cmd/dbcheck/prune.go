package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Retention cutoffs. Resolved alerts and finished maintenance windows are
// operational history, not audit records; the windows keep the database
// from growing unbounded on a busy relay.
const (
	resolvedAlertRetention = 90 * 24 * time.Hour
	maintenanceRetention   = 30 * 24 * time.Hour
)

// prune removes expired guest tokens, old resolved alerts, long-finished
// maintenance windows, and rows referencing deleted venues.
func prune(ctx context.Context, db *sql.DB, dryRun bool) {
	now := time.Now().UTC()

	type job struct {
		label string
		count string
		del   string
		args  []any
	}
	jobs := []job{
		{
			label: "expired guest tokens",
			count: "SELECT count(*) FROM guest_tokens WHERE expires_at < ?",
			del:   "DELETE FROM guest_tokens WHERE expires_at < ?",
			args:  []any{now.Format(time.RFC3339)},
		},
		{
			label: "resolved alerts older than 90d",
			count: "SELECT count(*) FROM alerts WHERE resolved = 1 AND created_at < ?",
			del:   "DELETE FROM alerts WHERE resolved = 1 AND created_at < ?",
			args:  []any{now.Add(-resolvedAlertRetention).Format(time.RFC3339)},
		},
		{
			label: "maintenance windows ended over 30d ago",
			count: "SELECT count(*) FROM maintenance_windows WHERE ends_at < ?",
			del:   "DELETE FROM maintenance_windows WHERE ends_at < ?",
			args:  []any{now.Add(-maintenanceRetention).Format(time.RFC3339)},
		},
		{
			label: "alerts for deleted venues",
			count: "SELECT count(*) FROM alerts WHERE NOT EXISTS (SELECT 1 FROM venues v WHERE v.id = alerts.venue_id)",
			del:   "DELETE FROM alerts WHERE NOT EXISTS (SELECT 1 FROM venues v WHERE v.id = alerts.venue_id)",
		},
		{
			label: "roster rows for deleted venues",
			count: "SELECT count(*) FROM roster WHERE NOT EXISTS (SELECT 1 FROM venues v WHERE v.id = roster.venue_id)",
			del:   "DELETE FROM roster WHERE NOT EXISTS (SELECT 1 FROM venues v WHERE v.id = roster.venue_id)",
		},
		{
			label: "oncall rows for deleted venues",
			count: "SELECT count(*) FROM oncall WHERE NOT EXISTS (SELECT 1 FROM venues v WHERE v.id = oncall.venue_id)",
			del:   "DELETE FROM oncall WHERE NOT EXISTS (SELECT 1 FROM venues v WHERE v.id = oncall.venue_id)",
		},
	}

	total := int64(0)
	for _, j := range jobs {
		var n int64
		if err := db.QueryRowContext(ctx, j.count, j.args...).Scan(&n); err != nil {
			fmt.Printf("Error counting %s: %v\n", j.label, err)
			continue
		}
		fmt.Printf("  %-42s %d\n", j.label, n)
		total += n
		if dryRun || n == 0 {
			continue
		}
		res, err := db.ExecContext(ctx, j.del, j.args...)
		if err != nil {
			fmt.Printf("Error deleting %s: %v\n", j.label, err)
			continue
		}
		deleted, _ := res.RowsAffected()
		fmt.Printf("    deleted %d\n", deleted)
	}

	if dryRun {
		fmt.Printf("\nDry run — %d rows would be removed. Run 'prune apply' to remove them.\n", total)
	} else {
		fmt.Println("\nDone. Consider VACUUM if the database shrank a lot.")
	}
}

// fixStaleAlerts resolves open alerts older than seven days. The pipeline
// never resolves warnings on its own, so a venue that went dark mid-season
// leaves rows open forever without this.
func fixStaleAlerts(ctx context.Context, db *sql.DB, dryRun bool) {
	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour).Format(time.RFC3339)

	rows, err := db.QueryContext(ctx, `
		SELECT a.id, a.type, a.created_at, coalesce(v.name, a.venue_id)
		FROM alerts a
		LEFT JOIN venues v ON v.id = a.venue_id
		WHERE a.resolved = 0 AND a.created_at < ?
		ORDER BY a.created_at
	`, cutoff)
	if err != nil {
		fmt.Printf("Error finding stale alerts: %v\n", err)
		return
	}
	defer rows.Close()

	type stale struct {
		id, alertType, createdAt, venue string
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.alertType, &s.createdAt, &s.venue); err != nil {
			fmt.Printf("Error scanning: %v\n", err)
			return
		}
		found = append(found, s)
	}

	fmt.Printf("Found %d open alerts older than 7 days\n", len(found))
	if len(found) == 0 {
		return
	}
	for i, s := range found {
		if i >= 10 {
			fmt.Printf("  ... and %d more\n", len(found)-10)
			break
		}
		fmt.Printf("  %s %s at %s (%s)\n", s.id[:8], s.alertType, s.createdAt, s.venue)
	}

	if dryRun {
		fmt.Println("Dry run — no changes made. Run 'fix-stale apply' to resolve them.")
		return
	}

	res, err := db.ExecContext(ctx,
		"UPDATE alerts SET resolved = 1 WHERE resolved = 0 AND created_at < ?", cutoff)
	if err != nil {
		fmt.Printf("Error resolving: %v\n", err)
		return
	}
	n, _ := res.RowsAffected()
	fmt.Printf("Resolved %d stale alerts\n", n)
}
