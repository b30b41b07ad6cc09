package database

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// InitSchema applies the full schema on a fresh database. It checks whether
// the "venues" table exists as a proxy for whether schema.sql has been
// loaded. If missing, it executes the embedded schema SQL. If present, it's
// a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var name string
	err := db.w.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'venues'`,
	).Scan(&name)
	if err == nil {
		db.log.Debug().Msg("schema already initialized, skipping")
		return db.Migrate(ctx)
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	if _, err := db.w.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return db.Migrate(ctx)
}
