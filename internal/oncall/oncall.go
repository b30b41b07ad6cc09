// Package oncall manages the TD rotation for each venue: who holds the
// pager this ISO week, week swaps between TDs, and short-lived guest access
// tokens for visiting operators.
package oncall

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/wire"
)

const (
	// swapTTL bounds how long a swap offer waits for confirmation.
	swapTTL = 24 * time.Hour

	// guestTTL is the lifetime of a guest access token.
	guestTTL = 24 * time.Hour

	// sweepInterval drives the daily cleanup of expired guest tokens and
	// stale maintenance windows.
	sweepInterval = 24 * time.Hour
)

// WeekKey renders t's ISO week as "2026-W35", the rotation's calendar unit.
func WeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// SwapRequest is a pending week handoff between two TDs. In-memory only;
// a relay restart clears pending swaps.
type SwapRequest struct {
	Key           string
	VenueID       string
	WeekKey       string
	RequesterChat int64
	RequesterName string
	TargetChat    int64
	TargetName    string
	ExpiresAt     time.Time
}

// Service owns rotation state on top of the store.
type Service struct {
	log zerolog.Logger
	db  *database.DB

	mu    sync.Mutex
	swaps map[string]*SwapRequest

	clock func() time.Time
}

// NewService creates the rotation service.
func NewService(log zerolog.Logger, db *database.DB) *Service {
	return &Service{
		log:   log.With().Str("component", "oncall").Logger(),
		db:    db,
		swaps: make(map[string]*SwapRequest),
		clock: time.Now,
	}
}

// Register processes "/register CODE": resolves the venue by registration
// code, upserts the roster row, and adds the TD to the rotation pool.
func (s *Service) Register(ctx context.Context, code, name string, userID, chatID int64) (*database.Venue, error) {
	v, err := s.db.GetVenueByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, wire.WrapErr(wire.KindNotFound, "unknown registration code", err)
	}
	now := s.clock()

	if err := s.db.UpsertRosterEntry(ctx, &database.RosterEntry{
		VenueID:        v.ID,
		TelegramUserID: userID,
		TelegramChatID: chatID,
		Name:           name,
		RegisteredAt:   now,
	}); err != nil {
		return nil, err
	}
	if err := s.db.UpsertOnCallEntry(ctx, &database.OnCallEntry{
		VenueID:        v.ID,
		TDName:         name,
		TelegramChatID: chatID,
		TelegramUserID: userID,
		RegisteredAt:   now,
	}); err != nil {
		return nil, err
	}

	s.log.Info().Str("venue", v.ID).Str("td", name).Msg("TD registered")
	return v, nil
}

// Current resolves who holds the pager for a venue right now.
func (s *Service) Current(ctx context.Context, venueID string) (*database.OnCallEntry, error) {
	return s.db.CurrentOnCall(ctx, venueID, WeekKey(s.clock()))
}

// SetByName assigns the current week to the pool member whose name matches,
// preferring a prefix match over a substring match.
func (s *Service) SetByName(ctx context.Context, venueID, name string) (*database.OnCallEntry, error) {
	target, err := s.findByName(ctx, venueID, name)
	if err != nil {
		return nil, err
	}
	if err := s.db.AssignWeek(ctx, venueID, target.TelegramUserID, WeekKey(s.clock())); err != nil {
		return nil, err
	}
	s.log.Info().Str("venue", venueID).Str("td", target.TDName).Msg("on-call assigned")
	return target, nil
}

// findByName locates a rotation pool member by fuzzy name. Prefix matches
// win over substring matches; ties go to the longest-registered member.
func (s *Service) findByName(ctx context.Context, venueID, name string) (*database.OnCallEntry, error) {
	entries, err := s.db.ListOnCallEntries(ctx, venueID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil, wire.Errorf(wire.KindInvalidParams, "name is required")
	}

	var substring *database.OnCallEntry
	for _, e := range entries {
		lower := strings.ToLower(e.TDName)
		if strings.HasPrefix(lower, needle) {
			return e, nil
		}
		if substring == nil && strings.Contains(lower, needle) {
			substring = e
		}
	}
	if substring != nil {
		return substring, nil
	}
	return nil, wire.Errorf(wire.KindNotFound, "no TD matching %q", name)
}

// RequestSwap starts a week handoff: the requester offers the current week
// to the named TD. Returns the created request so the caller can prompt the
// target.
func (s *Service) RequestSwap(ctx context.Context, venueID string, requesterChat int64, requesterName, targetName string) (*SwapRequest, error) {
	target, err := s.findByName(ctx, venueID, targetName)
	if err != nil {
		return nil, err
	}
	if target.TelegramChatID == 0 {
		return nil, wire.Errorf(wire.KindInvalidParams, "%s has no Telegram chat on file", target.TDName)
	}
	if target.TelegramChatID == requesterChat {
		return nil, wire.Errorf(wire.KindInvalidParams, "cannot swap with yourself")
	}

	key := make([]byte, 8)
	if _, err := rand.Read(key); err != nil {
		return nil, wire.WrapErr(wire.KindInternal, "generate swap key", err)
	}
	now := s.clock()
	req := &SwapRequest{
		Key:           hex.EncodeToString(key),
		VenueID:       venueID,
		WeekKey:       WeekKey(now),
		RequesterChat: requesterChat,
		RequesterName: requesterName,
		TargetChat:    target.TelegramChatID,
		TargetName:    target.TDName,
		ExpiresAt:     now.Add(swapTTL),
	}

	s.mu.Lock()
	s.pruneSwapsLocked(now)
	s.swaps[req.Key] = req
	s.mu.Unlock()

	s.log.Info().Str("venue", venueID).Str("from", requesterName).Str("to", target.TDName).Msg("swap requested")
	return req, nil
}

// ConfirmSwap consumes the oldest live swap targeting the chat and assigns
// the week to the target.
func (s *Service) ConfirmSwap(ctx context.Context, targetChat int64) (*SwapRequest, error) {
	now := s.clock()

	s.mu.Lock()
	s.pruneSwapsLocked(now)
	var oldest *SwapRequest
	for _, req := range s.swaps {
		if req.TargetChat != targetChat {
			continue
		}
		if oldest == nil || req.ExpiresAt.Before(oldest.ExpiresAt) {
			oldest = req
		}
	}
	if oldest != nil {
		delete(s.swaps, oldest.Key)
	}
	s.mu.Unlock()

	if oldest == nil {
		return nil, wire.Errorf(wire.KindNotFound, "no pending swap for you")
	}

	target, err := s.findByName(ctx, oldest.VenueID, oldest.TargetName)
	if err != nil {
		return nil, err
	}
	if err := s.db.AssignWeek(ctx, oldest.VenueID, target.TelegramUserID, oldest.WeekKey); err != nil {
		return nil, err
	}

	s.log.Info().Str("venue", oldest.VenueID).Str("td", oldest.TargetName).Str("week", oldest.WeekKey).Msg("swap confirmed")
	return oldest, nil
}

// PendingSwapFor reports whether a chat has a live swap waiting on it.
func (s *Service) PendingSwapFor(targetChat int64) bool {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneSwapsLocked(now)
	for _, req := range s.swaps {
		if req.TargetChat == targetChat {
			return true
		}
	}
	return false
}

// pruneSwapsLocked drops expired swap requests. Caller holds s.mu.
func (s *Service) pruneSwapsLocked(now time.Time) {
	for key, req := range s.swaps {
		if !now.Before(req.ExpiresAt) {
			delete(s.swaps, key)
		}
	}
}

// IssueGuestToken mints a 24-hour guest credential for a venue.
func (s *Service) IssueGuestToken(ctx context.Context, venueID, displayName string) (*database.GuestToken, error) {
	if _, err := s.db.GetVenue(ctx, venueID); err != nil {
		return nil, wire.WrapErr(wire.KindNotFound, "unknown venue", err)
	}

	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return nil, wire.WrapErr(wire.KindInternal, "generate guest token", err)
	}
	now := s.clock()
	g := &database.GuestToken{
		Token:       "GUEST-" + hex.EncodeToString(buf),
		VenueID:     venueID,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(guestTTL),
	}
	if err := s.db.InsertGuestToken(ctx, g); err != nil {
		return nil, err
	}
	s.log.Info().Str("venue", venueID).Str("guest", displayName).Msg("guest token issued")
	return g, nil
}

// ClaimGuest binds a guest token to a chat, first claim wins. Claimed
// guests get the same command surface as a registered TD, scoped to the
// token's venue.
func (s *Service) ClaimGuest(ctx context.Context, token string, chatID int64) (*database.GuestToken, *database.Venue, error) {
	g, err := s.db.ClaimGuestToken(ctx, token, chatID, s.clock())
	if err != nil {
		return nil, nil, wire.WrapErr(wire.KindNotFound, "guest token unknown, expired, or claimed", err)
	}
	v, err := s.db.GetVenue(ctx, g.VenueID)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info().Str("venue", g.VenueID).Str("guest", g.DisplayName).Msg("guest token claimed")
	return g, v, nil
}

// VenuesForChat returns every venue id the chat may operate: roster rows
// plus live guest claims.
func (s *Service) VenuesForChat(ctx context.Context, chatID int64) ([]string, error) {
	ids, err := s.db.VenuesForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	guests, err := s.db.GuestVenueForChat(ctx, chatID, s.clock())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range guests {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids, nil
}

// RunSweeper deletes expired guest tokens and old maintenance windows once
// a day until ctx is cancelled. The first sweep runs immediately to clear
// anything that expired while the relay was down.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := s.clock()
	if n, err := s.db.SweepGuestTokens(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("guest token sweep failed")
	} else if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("expired guest tokens swept")
	}
	if n, err := s.db.SweepMaintenanceWindows(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("maintenance window sweep failed")
	} else if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("old maintenance windows swept")
	}

	s.mu.Lock()
	s.pruneSwapsLocked(now)
	s.mu.Unlock()
}
