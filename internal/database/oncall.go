package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OnCallEntry is a TD eligible for on-call rotation at a venue. WeekOf is an
// ISO week key ("2026-W35"); at most one entry per venue carries the current
// week.
type OnCallEntry struct {
	VenueID        string
	TDName         string
	TelegramChatID int64
	TelegramUserID int64
	Phone          string
	WeekOf         string
	IsPrimary      bool
	RegisteredAt   time.Time
}

// UpsertOnCallEntry adds a TD to the rotation pool, preserving any existing
// week assignment and primary flag.
func (db *DB) UpsertOnCallEntry(ctx context.Context, e *OnCallEntry) error {
	_, err := db.w.ExecContext(ctx, `
		INSERT INTO oncall (venue_id, td_name, telegram_chat_id, telegram_user_id, phone, week_of, is_primary, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (venue_id, telegram_user_id) DO UPDATE SET
			td_name          = excluded.td_name,
			telegram_chat_id = excluded.telegram_chat_id,
			phone            = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE oncall.phone END
	`, e.VenueID, e.TDName, e.TelegramChatID, e.TelegramUserID, e.Phone,
		e.WeekOf, boolInt(e.IsPrimary), fmtTime(e.RegisteredAt))
	if err != nil {
		return fmt.Errorf("upsert oncall entry: %w", err)
	}
	return nil
}

const onCallColumns = `venue_id, td_name, telegram_chat_id, telegram_user_id, phone, week_of, is_primary, registered_at`

func scanOnCall(row interface{ Scan(...any) error }) (*OnCallEntry, error) {
	var (
		e       OnCallEntry
		primary int
		regAt   string
	)
	err := row.Scan(&e.VenueID, &e.TDName, &e.TelegramChatID, &e.TelegramUserID,
		&e.Phone, &e.WeekOf, &primary, &regAt)
	if err != nil {
		return nil, err
	}
	e.IsPrimary = primary != 0
	e.RegisteredAt = parseTime(regAt)
	return &e, nil
}

// ListOnCallEntries returns the rotation pool for a venue, oldest first.
func (db *DB) ListOnCallEntries(ctx context.Context, venueID string) ([]*OnCallEntry, error) {
	rows, err := db.r.QueryContext(ctx,
		`SELECT `+onCallColumns+` FROM oncall WHERE venue_id = ? ORDER BY registered_at`, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OnCallEntry
	for rows.Next() {
		e, err := scanOnCall(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CurrentOnCall resolves who holds the pager for a venue this week:
// the entry assigned the given ISO week, else the primary, else the
// longest-registered member. ErrNotFound when the pool is empty.
func (db *DB) CurrentOnCall(ctx context.Context, venueID, weekKey string) (*OnCallEntry, error) {
	e, err := scanOnCall(db.r.QueryRowContext(ctx,
		`SELECT `+onCallColumns+` FROM oncall WHERE venue_id = ? AND week_of = ?`,
		venueID, weekKey))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	e, err = scanOnCall(db.r.QueryRowContext(ctx,
		`SELECT `+onCallColumns+` FROM oncall
		 WHERE venue_id = ? AND is_primary = 1 ORDER BY registered_at LIMIT 1`, venueID))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	e, err = scanOnCall(db.r.QueryRowContext(ctx,
		`SELECT `+onCallColumns+` FROM oncall
		 WHERE venue_id = ? ORDER BY registered_at LIMIT 1`, venueID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// AssignWeek gives the week to one TD and clears it from everyone else at
// the venue, enforcing the single-holder rule.
func (db *DB) AssignWeek(ctx context.Context, venueID string, userID int64, weekKey string) error {
	if _, err := db.w.ExecContext(ctx, `
		UPDATE oncall SET week_of = '' WHERE venue_id = ? AND week_of = ?
	`, venueID, weekKey); err != nil {
		return fmt.Errorf("clear week: %w", err)
	}
	res, err := db.w.ExecContext(ctx, `
		UPDATE oncall SET week_of = ? WHERE venue_id = ? AND telegram_user_id = ?
	`, weekKey, venueID, userID)
	if err != nil {
		return fmt.Errorf("assign week: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrimary marks one TD as the venue's default contact, clearing the flag
// from the rest.
func (db *DB) SetPrimary(ctx context.Context, venueID string, userID int64) error {
	if _, err := db.w.ExecContext(ctx, `
		UPDATE oncall SET is_primary = 0 WHERE venue_id = ?
	`, venueID); err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}
	res, err := db.w.ExecContext(ctx, `
		UPDATE oncall SET is_primary = 1 WHERE venue_id = ? AND telegram_user_id = ?
	`, venueID, userID)
	if err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
