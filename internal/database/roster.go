package database

import (
	"context"
	"fmt"
	"time"
)

// RosterEntry is a Telegram user registered to a venue's technical team.
type RosterEntry struct {
	VenueID        string
	TelegramUserID int64
	TelegramChatID int64
	Name           string
	Phone          string
	Active         bool
	RegisteredAt   time.Time
}

// UpsertRosterEntry registers (or re-activates) a team member. Keyed by
// (venue, telegram user) so /register is idempotent.
func (db *DB) UpsertRosterEntry(ctx context.Context, e *RosterEntry) error {
	_, err := db.w.ExecContext(ctx, `
		INSERT INTO roster (venue_id, telegram_user_id, telegram_chat_id, name, phone, active, registered_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (venue_id, telegram_user_id) DO UPDATE SET
			telegram_chat_id = excluded.telegram_chat_id,
			name             = excluded.name,
			phone            = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE roster.phone END,
			active           = 1
	`, e.VenueID, e.TelegramUserID, e.TelegramChatID, e.Name, e.Phone, fmtTime(e.RegisteredAt))
	if err != nil {
		return fmt.Errorf("upsert roster entry: %w", err)
	}
	return nil
}

// VenueRoster returns active team members for a venue.
func (db *DB) VenueRoster(ctx context.Context, venueID string) ([]*RosterEntry, error) {
	rows, err := db.r.QueryContext(ctx, `
		SELECT venue_id, telegram_user_id, telegram_chat_id, name, phone, active, registered_at
		FROM roster WHERE venue_id = ? AND active = 1 ORDER BY registered_at
	`, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*RosterEntry
	for rows.Next() {
		var (
			e      RosterEntry
			active int
			regAt  string
		)
		if err := rows.Scan(&e.VenueID, &e.TelegramUserID, &e.TelegramChatID,
			&e.Name, &e.Phone, &active, &regAt); err != nil {
			return nil, err
		}
		e.Active = active != 0
		e.RegisteredAt = parseTime(regAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// VenuesForChat returns the venue ids a Telegram chat is registered to.
// Used to scope event fan-out so chats only see their own venues.
func (db *DB) VenuesForChat(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := db.r.QueryContext(ctx, `
		SELECT DISTINCT venue_id FROM roster WHERE telegram_chat_id = ? AND active = 1
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeactivateRosterEntry soft-removes a member (e.g. /unregister).
func (db *DB) DeactivateRosterEntry(ctx context.Context, venueID string, userID int64) error {
	res, err := db.w.ExecContext(ctx, `
		UPDATE roster SET active = 0 WHERE venue_id = ? AND telegram_user_id = ?
	`, venueID, userID)
	if err != nil {
		return fmt.Errorf("deactivate roster entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
