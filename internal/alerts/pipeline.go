// Package alerts classifies incoming alerts, attempts auto-recovery, gates
// notifications on the venue's service window, notifies TDs, and escalates
// unacknowledged critical alerts to the admin chat.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/relay"
	"github.com/stagewire/stagewire/internal/wire"
)

// escalationGrace is how long a critical alert may sit unacknowledged
// before it is copied to the admin chat.
var escalationGrace = 90 * time.Second

// Notification dedup windows, keyed per (venue, alertType). Stream-health
// types re-fire slowly at the agent, so the relay mirrors its longer window.
const (
	dedupWindow             = 5 * time.Minute
	dedupWindowStreamHealth = 10 * time.Minute
)

var streamHealthTypes = map[string]bool{
	"bitrate_drop":          true,
	"platform_no_broadcast": true,
}

// Windows answers whether a venue is inside its service window.
// Implemented by the schedule engine.
type Windows interface {
	IsInWindow(ctx context.Context, venueID string) (bool, error)
}

// Recovery runs auto-fix commands against a venue's agent. Implemented by
// the relay dispatcher.
type Recovery interface {
	DispatchAndWait(ctx context.Context, venueID, command string, params any) (relay.CommandOutcome, error)
}

// Notifier delivers alert messages. Implemented by the Telegram adapter;
// the pipeline never sees chat ids or bot credentials.
type Notifier interface {
	NotifyVenueTDs(ctx context.Context, venueID, text string)
	NotifyAdmin(ctx context.Context, text string)
}

// Pipeline is the alert processing core. One instance per relay.
type Pipeline struct {
	log      zerolog.Logger
	db       *database.DB
	windows  Windows
	recovery Recovery
	notifier Notifier

	mu          sync.Mutex
	lastAlerts  map[dedupKey]time.Time
	escalations map[string]*time.Timer

	clock func() time.Time
}

type dedupKey struct {
	venueID   string
	alertType string
}

// NewPipeline builds the pipeline. windows, recovery, and notifier may each
// be nil in tests; nil recovery skips auto-fix, nil notifier logs only.
func NewPipeline(log zerolog.Logger, db *database.DB, windows Windows, recovery Recovery) *Pipeline {
	return &Pipeline{
		log:         log.With().Str("component", "alerts").Logger(),
		db:          db,
		windows:     windows,
		recovery:    recovery,
		lastAlerts:  make(map[dedupKey]time.Time),
		escalations: make(map[string]*time.Timer),
		clock:       time.Now,
	}
}

// SetNotifier attaches the Telegram adapter once it exists.
func (p *Pipeline) SetNotifier(n Notifier) { p.notifier = n }

// Stop cancels pending escalation timers. Alerts stay active in the store;
// a restarted relay does not resume in-flight escalations (they are a
// 90-second concern, not a durable one).
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.escalations {
		t.Stop()
		delete(p.escalations, id)
	}
}

// HandleAgentAlert is the hub's alert sink. Processing moves off the
// session's read goroutine immediately so Telegram latency never backs up
// the socket.
func (p *Pipeline) HandleAgentAlert(venueID, venueName string, env *wire.Envelope) {
	alertType := env.AlertType
	if alertType == "" {
		alertType = "agent_alert"
	}
	go p.process(context.Background(), venueID, venueName, alertType, env.Message, nil)
}

// HandleWindowClose raises the service_ended info alert on a falling window
// edge. Registered as a schedule engine OnClose callback.
func (p *Pipeline) HandleWindowClose(venueID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v, err := p.db.GetVenue(ctx, venueID)
	if err != nil {
		p.log.Warn().Err(err).Str("venue", venueID).Msg("window close for unknown venue")
		return
	}
	p.process(ctx, v.ID, v.Name, "service_ended", "Service window closed", nil)
}

// Raise feeds a relay-originated alert through the full pipeline.
func (p *Pipeline) Raise(ctx context.Context, venueID, venueName, alertType, message string, fields map[string]any) *database.Alert {
	return p.process(ctx, venueID, venueName, alertType, message, fields)
}

// process runs one alert through classify → persist → auto-recover → gate →
// notify → escalate. It returns the persisted row (nil on storage failure).
func (p *Pipeline) process(ctx context.Context, venueID, venueName, alertType, message string, extra map[string]any) *database.Alert {
	kind := Classify(alertType)
	metrics.AlertsTotal.WithLabelValues(kind).Inc()

	now := p.clock()
	a := &database.Alert{
		ID:        uuid.NewString(),
		VenueID:   venueID,
		Kind:      kind,
		Type:      alertType,
		Message:   message,
		CreatedAt: now,
	}
	if len(extra) > 0 {
		if blob, err := json.Marshal(extra); err == nil {
			a.Context = string(blob)
		}
	}

	if err := p.db.InsertAlert(ctx, a); err != nil {
		p.log.Error().Err(err).Str("venue", venueID).Str("type", alertType).Msg("persist alert")
		return nil
	}
	p.log.Info().Str("venue", venueID).Str("type", alertType).Str("kind", kind).Str("id", a.ID).Msg("alert classified")

	// Auto-recovery runs before any notification; its outcome changes the
	// message the TD sees.
	autoResolved := p.tryAutoRecovery(ctx, a)

	// Service-window gating. Emergencies always notify; service_ended is
	// the close-edge notice itself, so it is exempt from the gate it would
	// otherwise always fail.
	if kind != wire.SeverityEmergency && alertType != "service_ended" {
		in, err := p.inWindow(ctx, venueID)
		if err != nil {
			p.log.Warn().Err(err).Str("venue", venueID).Msg("window check failed, treating as in-window")
			in = true
		}
		if !in {
			p.log.Info().Str("venue", venueID).Str("type", alertType).Msg("outside service window, logged only")
			return a
		}
	}

	if p.suppressed(venueID, alertType, now) {
		p.log.Debug().Str("venue", venueID).Str("type", alertType).Msg("notification deduped")
		return a
	}

	p.notify(ctx, a, venueName, autoResolved)

	if kind == wire.SeverityCritical {
		p.armEscalation(a.ID, venueID, venueName, alertType)
	}
	return a
}

func (p *Pipeline) inWindow(ctx context.Context, venueID string) (bool, error) {
	if p.windows == nil {
		return true, nil
	}
	return p.windows.IsInWindow(ctx, venueID)
}

// tryAutoRecovery dispatches the type's recipe, if any, and records the
// outcome on the alert row.
func (p *Pipeline) tryAutoRecovery(ctx context.Context, a *database.Alert) bool {
	recipe, ok := autoRecovery[a.Type]
	if !ok || p.recovery == nil {
		return false
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	outcome, err := p.recovery.DispatchAndWait(rctx, a.VenueID, recipe.Command, recipe.Params)
	if err != nil || outcome.Error != "" {
		p.log.Warn().Err(err).Str("venue", a.VenueID).Str("command", recipe.Command).
			Str("agentError", outcome.Error).Msg("auto-recovery failed")
		return false
	}

	if err := p.db.MarkAlertAutoResolved(rctx, a.ID); err != nil {
		p.log.Error().Err(err).Str("alert", a.ID).Msg("mark auto-resolved")
	}
	a.AutoResolved = true
	p.log.Info().Str("venue", a.VenueID).Str("type", a.Type).Str("command", recipe.Command).Msg("auto-recovery succeeded")
	return true
}

// suppressed applies the per-(venue,type) notification dedup window and
// records this notification attempt when it passes.
func (p *Pipeline) suppressed(venueID, alertType string, now time.Time) bool {
	window := dedupWindow
	if streamHealthTypes[alertType] {
		window = dedupWindowStreamHealth
	}
	key := dedupKey{venueID: venueID, alertType: alertType}

	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastAlerts[key]; ok && now.Sub(last) < window {
		return true
	}
	p.lastAlerts[key] = now
	return false
}

// notify composes and sends the operator message, then marks the row. Locks
// are never held across the send.
func (p *Pipeline) notify(ctx context.Context, a *database.Alert, venueName string, autoResolved bool) {
	text := ComposeMessage(a, venueName, autoResolved)

	if p.notifier != nil {
		p.notifier.NotifyVenueTDs(ctx, a.VenueID, text)
		if a.Kind == wire.SeverityEmergency {
			p.notifier.NotifyAdmin(ctx, text)
		}
	} else {
		p.log.Info().Str("venue", a.VenueID).Str("text", text).Msg("alert (no notifier attached)")
	}

	if err := p.db.MarkAlertNotified(ctx, a.ID); err != nil {
		p.log.Error().Err(err).Str("alert", a.ID).Msg("mark notified")
	}
	a.Notified = true
}

// armEscalation starts the 90-second acknowledgement clock for a critical
// alert.
func (p *Pipeline) armEscalation(alertID, venueID, venueName, alertType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.escalations[alertID]; exists {
		return
	}
	p.escalations[alertID] = time.AfterFunc(escalationGrace, func() {
		p.escalate(alertID, venueID, venueName, alertType)
	})
}

// escalate fires when the grace period lapses without an ack: the alert is
// flagged, the admin chat gets a copy, and a no_td_response emergency is
// raised for the audit trail.
func (p *Pipeline) escalate(alertID, venueID, venueName, alertType string) {
	p.mu.Lock()
	_, armed := p.escalations[alertID]
	delete(p.escalations, alertID)
	p.mu.Unlock()
	if !armed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := p.db.GetAlert(ctx, alertID)
	if err != nil {
		p.log.Error().Err(err).Str("alert", alertID).Msg("escalation lookup failed")
		return
	}
	if a.Acknowledged() {
		return
	}

	if err := p.db.MarkAlertEscalated(ctx, alertID); err != nil {
		p.log.Error().Err(err).Str("alert", alertID).Msg("mark escalated")
	}
	p.log.Warn().Str("venue", venueID).Str("alert", alertID).Msg("critical alert unacknowledged, escalating")

	if p.notifier != nil {
		text := fmt.Sprintf("🆘 ESCALATION — %s\nCritical alert %s (%s) has had no TD response for %s.\nAcknowledge: /ack_%s",
			venueName, alertType, a.Message, escalationGrace, shortID(alertID))
		p.notifier.NotifyAdmin(ctx, text)
	}

	p.process(ctx, venueID, venueName, "no_td_response",
		fmt.Sprintf("No acknowledgement for %s alert", alertType),
		map[string]any{"originalAlert": alertID})
}

// Acknowledge marks the alert acknowledged and cancels its escalation.
// The id may be a full uuid or the 8-char prefix from an /ack_ token.
func (p *Pipeline) Acknowledge(ctx context.Context, idOrPrefix, responder string) (*database.Alert, error) {
	var (
		a   *database.Alert
		err error
	)
	if len(idOrPrefix) < 36 {
		a, err = p.db.GetAlertByPrefix(ctx, idOrPrefix)
	} else {
		a, err = p.db.GetAlert(ctx, idOrPrefix)
	}
	if err != nil {
		return nil, err
	}

	if err := p.db.AcknowledgeAlert(ctx, a.ID, responder, p.clock()); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if t, ok := p.escalations[a.ID]; ok {
		t.Stop()
		delete(p.escalations, a.ID)
	}
	p.mu.Unlock()

	p.log.Info().Str("alert", a.ID).Str("responder", responder).Msg("alert acknowledged")
	return p.db.GetAlert(ctx, a.ID)
}

// State reports an alert's position in its lifecycle, for the admin API and
// tests.
func State(a *database.Alert) string {
	switch {
	case a.Acknowledged():
		return "acknowledged"
	case a.Escalated:
		return "escalated"
	case a.Notified:
		return "active"
	default:
		return "logged_only"
	}
}

// ComposeMessage renders the operator notification for an alert.
func ComposeMessage(a *database.Alert, venueName string, autoResolved bool) string {
	rec := recipeFor(a.Type)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s — %s\n", severityIcon(a.Kind), strings.ToUpper(a.Kind), venueName)
	fmt.Fprintf(&b, "%s at %s\n", a.Type, a.CreatedAt.Local().Format("15:04"))
	if a.Message != "" {
		b.WriteString(a.Message)
		b.WriteByte('\n')
	}
	if autoResolved {
		b.WriteString("🔧 Auto-recovery applied; verify the stream.\n")
	}
	fmt.Fprintf(&b, "\nLikely cause: %s\nSteps:\n", rec.Cause)
	for i, s := range rec.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	fmt.Fprintf(&b, "\nAcknowledge: /ack_%s", shortID(a.ID))
	return b.String()
}

// shortID is the 8-char ack token embedded in messages.
func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
