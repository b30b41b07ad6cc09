package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GuestToken grants a visiting operator 24 hours of Telegram access to one
// venue. First claim wins; expired rows are swept daily.
type GuestToken struct {
	Token           string
	VenueID         string
	DisplayName     string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ClaimedByChatID int64
}

// InsertGuestToken stores a freshly minted token.
func (db *DB) InsertGuestToken(ctx context.Context, g *GuestToken) error {
	_, err := db.w.ExecContext(ctx, `
		INSERT INTO guest_tokens (token, venue_id, display_name, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, g.Token, g.VenueID, g.DisplayName, fmtTime(g.CreatedAt), fmtTime(g.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert guest token: %w", err)
	}
	return nil
}

// ClaimGuestToken binds an unclaimed, unexpired token to a chat. Returns the
// token row on success; ErrNotFound if the token is unknown, expired, or
// already claimed by a different chat. Re-claiming from the same chat is a
// no-op success.
func (db *DB) ClaimGuestToken(ctx context.Context, token string, chatID int64, now time.Time) (*GuestToken, error) {
	res, err := db.w.ExecContext(ctx, `
		UPDATE guest_tokens SET claimed_by_chat_id = ?
		WHERE token = ? AND expires_at > ?
		  AND (claimed_by_chat_id IS NULL OR claimed_by_chat_id = ?)
	`, chatID, token, fmtTime(now), chatID)
	if err != nil {
		return nil, fmt.Errorf("claim guest token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return db.getGuestToken(ctx, token)
}

func (db *DB) getGuestToken(ctx context.Context, token string) (*GuestToken, error) {
	var (
		g                    GuestToken
		createdAt, expiresAt string
		claimed              sql.NullInt64
	)
	err := db.r.QueryRowContext(ctx, `
		SELECT token, venue_id, display_name, created_at, expires_at, claimed_by_chat_id
		FROM guest_tokens WHERE token = ?
	`, token).Scan(&g.Token, &g.VenueID, &g.DisplayName, &createdAt, &expiresAt, &claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt = parseTime(createdAt)
	g.ExpiresAt = parseTime(expiresAt)
	g.ClaimedByChatID = claimed.Int64
	return &g, nil
}

// GuestVenueForChat returns venue ids a chat holds live guest access to.
func (db *DB) GuestVenueForChat(ctx context.Context, chatID int64, now time.Time) ([]string, error) {
	rows, err := db.r.QueryContext(ctx, `
		SELECT DISTINCT venue_id FROM guest_tokens
		WHERE claimed_by_chat_id = ? AND expires_at > ?
	`, chatID, fmtTime(now))
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

// SweepGuestTokens deletes expired tokens. Runs from the daily janitor.
func (db *DB) SweepGuestTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.w.ExecContext(ctx,
		`DELETE FROM guest_tokens WHERE expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("sweep guest tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
