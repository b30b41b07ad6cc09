package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Sentinel errors returned by entity lookups. Callers map these to
// transport-level statuses at the API boundary.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// DB wraps the relay's SQLite store. WAL mode allows concurrent readers
// alongside the single writer; all mutations go through the writer handle,
// which is capped at one connection so writes serialize without SQLITE_BUSY.
type DB struct {
	w   *sql.DB
	r   *sql.DB
	log zerolog.Logger
}

// Open opens (and creates if missing) the SQLite database at path.
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	w, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	w.SetMaxOpenConns(1)

	r, err := sql.Open("sqlite", dsn)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	r.SetMaxOpenConns(4)

	db := &DB{w: w, r: r, log: log}
	if err := db.HealthCheck(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Info().Str("path", path).Msg("database opened")
	return db, nil
}

// HealthCheck pings both handles with a short deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.w.PingContext(ctx); err != nil {
		return err
	}
	return db.r.PingContext(ctx)
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database")
	db.r.Close()
	db.w.Close()
}

// Stats returns connection stats for the reader and writer handles, for the
// metrics collector.
func (db *DB) Stats() (reader, writer sql.DBStats) {
	return db.r.Stats(), db.w.Stats()
}

// fmtTime renders a timestamp in the canonical stored form: RFC 3339 UTC.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime reads a stored timestamp. Zero time on empty or malformed input.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
