// Package schedule computes per-venue service windows and fires open/close
// edge callbacks. A venue is "in window" for the duration of a scheduled
// service plus a 30-minute buffer on each side; event venues are in window
// from creation until their expiry. Overlapping maintenance always reads as
// out of window.
package schedule

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
)

// WindowBuffer extends each service window on both sides, so a TD arriving
// half an hour early is already covered by in-window alert policy.
const WindowBuffer = 30 * time.Minute

// tickInterval is how often window membership is recomputed.
const tickInterval = 60 * time.Second

// EdgeFunc is invoked with the venue id on a window edge. Callbacks run on
// the engine's tick goroutine; panics are recovered and logged.
type EdgeFunc func(venueID string)

// Engine tracks window membership per venue and detects edges between
// ticks. All state lives here; the database is the source of schedules.
type Engine struct {
	log zerolog.Logger
	db  *database.DB

	mu      sync.Mutex
	wasIn   map[string]bool
	onOpen  []EdgeFunc
	onClose []EdgeFunc

	// clock is swappable for tests.
	clock func() time.Time
}

// NewEngine creates a stopped engine. Register callbacks before Run.
func NewEngine(log zerolog.Logger, db *database.DB) *Engine {
	return &Engine{
		log:   log.With().Str("component", "schedule").Logger(),
		db:    db,
		wasIn: make(map[string]bool),
		clock: time.Now,
	}
}

// OnOpen registers a callback for rising window edges.
func (e *Engine) OnOpen(fn EdgeFunc) { e.onOpen = append(e.onOpen, fn) }

// OnClose registers a callback for falling window edges.
func (e *Engine) OnClose(fn EdgeFunc) { e.onClose = append(e.onClose, fn) }

// Run ticks every minute until ctx is cancelled. The first tick runs
// immediately so restarts don't miss an edge by a minute.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("schedule engine stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick recomputes membership for every venue and fires edge callbacks.
func (e *Engine) tick(ctx context.Context) {
	venues, err := e.db.ListVenues(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("list venues for schedule tick")
		return
	}
	now := e.clock()

	type edge struct {
		venueID string
		open    bool
	}
	var edges []edge

	e.mu.Lock()
	seen := make(map[string]bool, len(venues))
	for _, v := range venues {
		in := e.computeLocked(ctx, v, now)
		seen[v.ID] = true
		if in != e.wasIn[v.ID] {
			edges = append(edges, edge{venueID: v.ID, open: in})
			e.wasIn[v.ID] = in
		}
	}
	// Deleted venues: close their window if it was open, then drop them.
	for id, was := range e.wasIn {
		if !seen[id] {
			if was {
				edges = append(edges, edge{venueID: id, open: false})
			}
			delete(e.wasIn, id)
		}
	}
	e.mu.Unlock()

	for _, ed := range edges {
		if ed.open {
			e.log.Info().Str("venue", ed.venueID).Msg("service window opened")
			e.fire(e.onOpen, ed.venueID)
		} else {
			e.log.Info().Str("venue", ed.venueID).Msg("service window closed")
			e.fire(e.onClose, ed.venueID)
		}
	}
}

// fire invokes callbacks with panic isolation so a broken collaborator
// cannot take the engine down.
func (e *Engine) fire(fns []EdgeFunc, venueID string) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("venue", venueID).
						Bytes("stack", debug.Stack()).Msg("window edge callback panicked")
				}
			}()
			fn(venueID)
		}()
	}
}

// computeLocked evaluates one venue. Maintenance lookup errors degrade to
// "no maintenance" rather than flapping the window.
func (e *Engine) computeLocked(ctx context.Context, v *database.Venue, now time.Time) bool {
	maint, err := e.db.ListMaintenanceWindows(ctx, v.ID)
	if err != nil {
		e.log.Warn().Err(err).Str("venue", v.ID).Msg("maintenance lookup failed")
		maint = nil
	}
	return InWindow(v, maint, now)
}

// IsInWindow reports current membership for one venue, reading schedule and
// maintenance state from the store.
func (e *Engine) IsInWindow(ctx context.Context, venueID string) (bool, error) {
	v, err := e.db.GetVenue(ctx, venueID)
	if err != nil {
		return false, err
	}
	maint, err := e.db.ListMaintenanceWindows(ctx, venueID)
	if err != nil {
		return false, err
	}
	return InWindow(v, maint, e.clock()), nil
}

// InWindow is the pure membership predicate: it depends only on the venue's
// schedule or expiry, its maintenance windows, and the instant.
func InWindow(v *database.Venue, maint []database.MaintenanceWindow, now time.Time) bool {
	for _, m := range maint {
		if !now.Before(m.StartsAt) && now.Before(m.EndsAt) {
			return false
		}
	}

	if v.IsEvent() {
		return !v.ExpiresAt.IsZero() && now.Before(v.ExpiresAt)
	}

	for _, st := range v.ServiceTimes {
		if entryCovers(st, now) {
			return true
		}
	}
	return false
}

// entryCovers tests one weekly entry against now, including the buffered
// window and spillover past midnight from the previous day.
func entryCovers(st database.ServiceTime, now time.Time) bool {
	duration := time.Duration(st.DurationHours * float64(time.Hour))

	for _, dayOffset := range []int{0, -1} {
		day := now.AddDate(0, 0, dayOffset)
		if int(day.Weekday()) != st.DayOfWeek {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), st.StartHour, st.StartMin, 0, 0, now.Location())
		windowStart := start.Add(-WindowBuffer)
		windowEnd := start.Add(duration + WindowBuffer)
		// Inclusive at both edges: 09:30:00 and 12:30:00 are in window for
		// a 10:00+2h service.
		if !now.Before(windowStart) && !now.After(windowEnd) {
			return true
		}
	}
	return false
}
