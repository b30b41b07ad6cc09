// dbcheck is a maintenance CLI for the relay's SQLite store: table counts
// and integrity by default, alert investigation and pruning via subcommands.
// Run it against a live database; WAL mode keeps readers safe.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "./stagewire.db"
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		panic(err)
	}
	defer db.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "alerts" {
		investigateAlerts(ctx, db)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "prune" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		prune(ctx, db, dryRun)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "fix-stale" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		fixStaleAlerts(ctx, db, dryRun)
		return
	}

	// Default: table counts
	tables := []string{
		"venues", "alerts", "roster", "oncall",
		"guest_tokens", "maintenance_windows",
	}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		db.QueryRowContext(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}

	var integrity string
	db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity)
	fmt.Printf("\nintegrity_check: %s\n", integrity)
}

func investigateAlerts(ctx context.Context, db *sql.DB) {
	// 1. Distribution by kind
	fmt.Println("── Alerts By Kind ──")
	rows, _ := db.QueryContext(ctx, `
		SELECT kind, count(*), sum(CASE WHEN resolved = 0 THEN 1 ELSE 0 END)
		FROM alerts
		GROUP BY kind
		ORDER BY count(*) DESC
	`)
	defer rows.Close()
	for rows.Next() {
		var kind string
		var total, open int64
		rows.Scan(&kind, &total, &open)
		fmt.Printf("  %-10s total=%d open=%d\n", kind, total, open)
	}

	// 2. Open alerts per venue
	fmt.Println("\n── Open Alerts Per Venue ──")
	rows2, _ := db.QueryContext(ctx, `
		SELECT v.name, a.type, count(*)
		FROM alerts a
		JOIN venues v ON v.id = a.venue_id
		WHERE a.resolved = 0
		GROUP BY v.name, a.type
		ORDER BY count(*) DESC
		LIMIT 20
	`)
	defer rows2.Close()
	open := false
	for rows2.Next() {
		open = true
		var venue, alertType string
		var count int64
		rows2.Scan(&venue, &alertType, &count)
		fmt.Printf("  %s: %s ×%d\n", venue, alertType, count)
	}
	if !open {
		fmt.Println("  (none open)")
	}

	// 3. Escalated but never acknowledged
	var escalated int64
	db.QueryRowContext(ctx, `
		SELECT count(*) FROM alerts
		WHERE escalated = 1 AND acknowledged_at IS NULL
	`).Scan(&escalated)
	fmt.Printf("\n  Escalated and still unacknowledged: %d\n", escalated)

	// 4. Alerts referencing deleted venues
	var orphans int64
	db.QueryRowContext(ctx, `
		SELECT count(*) FROM alerts a
		WHERE NOT EXISTS (SELECT 1 FROM venues v WHERE v.id = a.venue_id)
	`).Scan(&orphans)
	fmt.Printf("  Orphan alerts (venue deleted):      %d\n", orphans)

	// 5. Oldest open alert
	var oldest sql.NullString
	db.QueryRowContext(ctx,
		"SELECT min(created_at) FROM alerts WHERE resolved = 0",
	).Scan(&oldest)
	if oldest.Valid {
		fmt.Printf("  Oldest open alert created at:       %s\n", oldest.String)
	}
}
