package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns a row if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply on top of
// schema.sql. Each must be idempotent; checks query sqlite's table_info
// pragma since SQLite has no ADD COLUMN IF NOT EXISTS.
var migrations = []migration{
	{
		name:  "add venues.alert_bot_token",
		sql:   `ALTER TABLE venues ADD COLUMN alert_bot_token TEXT NOT NULL DEFAULT ''`,
		check: `SELECT 1 FROM pragma_table_info('venues') WHERE name = 'alert_bot_token'`,
	},
	{
		name:  "add alerts.auto_resolved",
		sql:   `ALTER TABLE alerts ADD COLUMN auto_resolved INTEGER NOT NULL DEFAULT 0`,
		check: `SELECT 1 FROM pragma_table_info('alerts') WHERE name = 'auto_resolved'`,
	},
	{
		name:  "add alerts.notified",
		sql:   `ALTER TABLE alerts ADD COLUMN notified INTEGER NOT NULL DEFAULT 0`,
		check: `SELECT 1 FROM pragma_table_info('alerts') WHERE name = 'notified'`,
	},
	{
		name:  "add roster.phone",
		sql:   `ALTER TABLE roster ADD COLUMN phone TEXT NOT NULL DEFAULT ''`,
		check: `SELECT 1 FROM pragma_table_info('roster') WHERE name = 'phone'`,
	},
}

// Migrate runs all pending schema migrations. For each migration, it first
// checks whether the change is already present. If not, it attempts to apply
// it; a failure is fatal since the application's queries depend on these
// columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var one int
			if err := db.w.QueryRowContext(ctx, m.check).Scan(&one); err == nil {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.w.ExecContext(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails. It includes the SQL
// needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL against the database to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart the relay.")
	return b.String()
}
