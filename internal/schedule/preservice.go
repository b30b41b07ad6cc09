package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/relay"
)

const (
	// preServiceScanInterval is how often upcoming services are scanned.
	preServiceScanInterval = 5 * time.Minute

	// The check fires when a service start lies inside this lookahead band.
	preServiceMinLead = 25 * time.Minute
	preServiceMaxLead = 35 * time.Minute

	// A venue is checked at most once per this period, so back-to-back
	// services don't double-page the TD.
	preServiceCooldown = 2 * time.Hour
)

// CheckDispatcher runs the pre-service check command against a venue's
// agent. Implemented by the relay dispatcher.
type CheckDispatcher interface {
	DispatchAndWait(ctx context.Context, venueID, command string, params any) (relay.CommandOutcome, error)
}

// Notifier delivers the formatted check report to a venue's TD chats.
// Implemented by the Telegram adapter.
type Notifier interface {
	NotifyVenueTDs(ctx context.Context, venueID, text string)
}

// PreServiceChecker scans for services starting soon and runs a readiness
// check against each venue's agent, reporting the outcome to its TDs.
type PreServiceChecker struct {
	log      zerolog.Logger
	db       *database.DB
	dispatch CheckDispatcher
	notify   Notifier

	mu        sync.Mutex
	lastCheck map[string]time.Time

	clock func() time.Time
}

// NewPreServiceChecker wires the checker. notify may be nil (check results
// are then only logged), which keeps relay bring-up order flexible.
func NewPreServiceChecker(log zerolog.Logger, db *database.DB, dispatch CheckDispatcher) *PreServiceChecker {
	return &PreServiceChecker{
		log:       log.With().Str("component", "preservice").Logger(),
		db:        db,
		dispatch:  dispatch,
		lastCheck: make(map[string]time.Time),
		clock:     time.Now,
	}
}

// SetNotifier attaches the TD notifier once the Telegram adapter exists.
func (p *PreServiceChecker) SetNotifier(n Notifier) { p.notify = n }

// Run scans every five minutes until ctx is cancelled.
func (p *PreServiceChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(preServiceScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("pre-service checker stopped")
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

func (p *PreServiceChecker) scan(ctx context.Context) {
	venues, err := p.db.ListVenues(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("list venues for pre-service scan")
		return
	}
	now := p.clock()

	for _, v := range venues {
		if !p.due(v, now) {
			continue
		}
		p.mu.Lock()
		p.lastCheck[v.ID] = now
		p.mu.Unlock()

		go p.runCheck(ctx, v)
	}
}

// due reports whether a venue has a service start 25-35 minutes out and has
// not been checked within the cooldown.
func (p *PreServiceChecker) due(v *database.Venue, now time.Time) bool {
	p.mu.Lock()
	last, checked := p.lastCheck[v.ID]
	p.mu.Unlock()
	if checked && now.Sub(last) < preServiceCooldown {
		return false
	}
	return NextStartWithin(v, now, preServiceMinLead, preServiceMaxLead)
}

// NextStartWithin reports whether any scheduled start for the venue lies in
// (now+min, now+max]. Event venues use their expiry window start, which is
// creation time, so they never trigger a pre-service check.
func NextStartWithin(v *database.Venue, now time.Time, min, max time.Duration) bool {
	if v.IsEvent() {
		return false
	}
	for _, st := range v.ServiceTimes {
		// A start can be today or within the lookahead after midnight.
		for _, dayOffset := range []int{0, 1} {
			day := now.AddDate(0, 0, dayOffset)
			if int(day.Weekday()) != st.DayOfWeek {
				continue
			}
			start := time.Date(day.Year(), day.Month(), day.Day(), st.StartHour, st.StartMin, 0, 0, now.Location())
			lead := start.Sub(now)
			if lead > min && lead <= max {
				return true
			}
		}
	}
	return false
}

func (p *PreServiceChecker) runCheck(ctx context.Context, v *database.Venue) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	p.log.Info().Str("venue", v.ID).Msg("running pre-service check")
	outcome, err := p.dispatch.DispatchAndWait(ctx, v.ID, "system.preServiceCheck", nil)

	var text string
	switch {
	case err != nil:
		text = fmt.Sprintf("⚠️ Pre-service check for %s could not run: %s", v.Name, err)
	case outcome.Error != "":
		text = fmt.Sprintf("⚠️ Pre-service check for %s failed: %s", v.Name, outcome.Error)
	default:
		text = FormatCheckReport(v.Name, outcome.Result)
	}

	if p.notify == nil {
		p.log.Info().Str("venue", v.ID).Str("report", text).Msg("pre-service check complete (no notifier)")
		return
	}
	p.notify.NotifyVenueTDs(ctx, v.ID, text)
}

// checkReport mirrors the agent's system.preServiceCheck result shape.
type checkReport struct {
	Ready  bool `json:"ready"`
	Checks []struct {
		Name   string `json:"name"`
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	} `json:"checks"`
}

// FormatCheckReport renders the agent's check result as one Telegram
// message. Unparseable results fall back to the raw JSON so the TD still
// sees something actionable.
func FormatCheckReport(venueName string, raw json.RawMessage) string {
	var rep checkReport
	if err := json.Unmarshal(raw, &rep); err != nil || len(rep.Checks) == 0 {
		return fmt.Sprintf("🔎 Pre-service check for %s:\n%s", venueName, string(raw))
	}

	var b strings.Builder
	if rep.Ready {
		fmt.Fprintf(&b, "✅ %s is ready for service\n", venueName)
	} else {
		fmt.Fprintf(&b, "⚠️ %s has issues to fix before service\n", venueName)
	}
	for _, c := range rep.Checks {
		mark := "✅"
		if !c.OK {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %s", mark, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(&b, " — %s", c.Detail)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
