package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ServiceTime is one recurring weekly service slot.
type ServiceTime struct {
	DayOfWeek     int     `json:"dayOfWeek"` // 0 = Sunday
	StartHour     int     `json:"startHour"`
	StartMin      int     `json:"startMin"`
	DurationHours float64 `json:"durationHours"`
	Label         string  `json:"label,omitempty"`
}

// Venue is a registered production site.
type Venue struct {
	ID               string
	Name             string
	Email            string
	Token            string
	RegistrationCode string
	RegisteredAt     time.Time
	ServiceTimes     []ServiceTime
	ScheduleType     string // "recurring" or "event"
	ExpiresAt        time.Time
	AlertBotToken    string
}

// IsEvent reports whether the venue is a one-off event rather than a
// recurring install.
func (v *Venue) IsEvent() bool { return v.ScheduleType == "event" }

// CreateVenue inserts a new venue. ErrConflict if the name is taken.
func (db *DB) CreateVenue(ctx context.Context, v *Venue) error {
	var exists int
	err := db.w.QueryRowContext(ctx, `SELECT COUNT(*) FROM venues WHERE name = ?`, v.Name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check venue name: %w", err)
	}
	if exists > 0 {
		return ErrConflict
	}

	times, err := json.Marshal(v.ServiceTimes)
	if err != nil {
		return fmt.Errorf("marshal service times: %w", err)
	}

	var expires any
	if !v.ExpiresAt.IsZero() {
		expires = fmtTime(v.ExpiresAt)
	}
	_, err = db.w.ExecContext(ctx, `
		INSERT INTO venues (id, name, email, token, registration_code, registered_at,
		                    service_times, schedule_type, expires_at, alert_bot_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Name, v.Email, v.Token, v.RegistrationCode, fmtTime(v.RegisteredAt),
		string(times), v.ScheduleType, expires, v.AlertBotToken)
	if err != nil {
		return fmt.Errorf("insert venue: %w", err)
	}
	return nil
}

const venueColumns = `id, name, email, token, registration_code, registered_at,
	service_times, schedule_type, COALESCE(expires_at, ''), alert_bot_token`

func scanVenue(row interface{ Scan(...any) error }) (*Venue, error) {
	var (
		v       Venue
		regAt   string
		times   string
		expires string
	)
	err := row.Scan(&v.ID, &v.Name, &v.Email, &v.Token, &v.RegistrationCode, &regAt,
		&times, &v.ScheduleType, &expires, &v.AlertBotToken)
	if err != nil {
		return nil, err
	}
	v.RegisteredAt = parseTime(regAt)
	v.ExpiresAt = parseTime(expires)
	if err := json.Unmarshal([]byte(times), &v.ServiceTimes); err != nil {
		v.ServiceTimes = nil
	}
	return &v, nil
}

// GetVenue loads one venue by id. ErrNotFound if absent.
func (db *DB) GetVenue(ctx context.Context, id string) (*Venue, error) {
	v, err := scanVenue(db.r.QueryRowContext(ctx,
		`SELECT `+venueColumns+` FROM venues WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// GetVenueByName loads one venue by its unique name.
func (db *DB) GetVenueByName(ctx context.Context, name string) (*Venue, error) {
	v, err := scanVenue(db.r.QueryRowContext(ctx,
		`SELECT `+venueColumns+` FROM venues WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// GetVenueByCode resolves a registration code, as typed by a TD in Telegram.
func (db *DB) GetVenueByCode(ctx context.Context, code string) (*Venue, error) {
	v, err := scanVenue(db.r.QueryRowContext(ctx,
		`SELECT `+venueColumns+` FROM venues WHERE registration_code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// ListVenues returns all venues ordered by name.
// CountVenues returns the number of registered venues.
func (db *DB) CountVenues(ctx context.Context) (int, error) {
	var n int
	err := db.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM venues`).Scan(&n)
	return n, err
}

func (db *DB) ListVenues(ctx context.Context) ([]*Venue, error) {
	rows, err := db.r.QueryContext(ctx,
		`SELECT `+venueColumns+` FROM venues ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var venues []*Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}
	return venues, rows.Err()
}

// DeleteVenue removes a venue and its dependent rows.
func (db *DB) DeleteVenue(ctx context.Context, id string) error {
	res, err := db.w.ExecContext(ctx, `DELETE FROM venues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete venue: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM alerts WHERE venue_id = ?`,
		`DELETE FROM roster WHERE venue_id = ?`,
		`DELETE FROM oncall WHERE venue_id = ?`,
		`DELETE FROM guest_tokens WHERE venue_id = ?`,
		`DELETE FROM maintenance_windows WHERE venue_id = ?`,
	} {
		if _, err := db.w.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete venue children: %w", err)
		}
	}
	return nil
}

// UpdateServiceTimes replaces a venue's weekly schedule.
func (db *DB) UpdateServiceTimes(ctx context.Context, id string, times []ServiceTime) error {
	if times == nil {
		times = []ServiceTime{}
	}
	blob, err := json.Marshal(times)
	if err != nil {
		return fmt.Errorf("marshal service times: %w", err)
	}
	res, err := db.w.ExecContext(ctx,
		`UPDATE venues SET service_times = ? WHERE id = ?`, string(blob), id)
	if err != nil {
		return fmt.Errorf("update service times: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVenueBotToken stores a venue-specific Telegram bot credential.
// Empty clears it, falling back to the relay's default bot.
func (db *DB) UpdateVenueBotToken(ctx context.Context, id, token string) error {
	res, err := db.w.ExecContext(ctx,
		`UPDATE venues SET alert_bot_token = ? WHERE id = ?`, token, id)
	if err != nil {
		return fmt.Errorf("update bot token: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredEventVenues returns event venues whose expiry has passed.
func (db *DB) ExpiredEventVenues(ctx context.Context, now time.Time) ([]*Venue, error) {
	rows, err := db.r.QueryContext(ctx,
		`SELECT `+venueColumns+` FROM venues
		 WHERE schedule_type = 'event' AND expires_at IS NOT NULL AND expires_at < ?`,
		fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var venues []*Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}
	return venues, rows.Err()
}
