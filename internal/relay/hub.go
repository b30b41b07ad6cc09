package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/framestore"
	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/token"
	"github.com/stagewire/stagewire/internal/wire"
)

// AlertSink receives alert envelopes from agent sessions. Implemented by the
// alert pipeline; set after construction to avoid an import cycle.
type AlertSink interface {
	HandleAgentAlert(venueID, venueName string, env *wire.Envelope)
}

// ResultSink receives command_result envelopes. Implemented by the
// correlator.
type ResultSink interface {
	Resolve(venueID string, env *wire.Envelope) bool
}

// CommandSink dispatches commands injected over controller sockets.
// Implemented by the dispatcher; set after construction.
type CommandSink interface {
	DispatchRaw(ctx context.Context, venueID, command string, params json.RawMessage) (DispatchResult, error)
}

// venueState is the relay's last-writer-wins view of one venue.
type venueState struct {
	telemetry      json.RawMessage
	lastStatusAt   time.Time
	connected      bool
	connectedAt    time.Time
	disconnectedAt time.Time
}

// Hub owns every live WebSocket session and the per-venue state map. All
// session mutation flows through the run loop; reads go through small
// mutex-guarded accessors.
type Hub struct {
	log     zerolog.Logger
	db      *database.DB
	signer  *token.Signer
	bus     *EventBus
	frames  *framestore.Store
	apiKey  string
	results ResultSink

	alertSink AlertSink
	commands  CommandSink

	upgrader websocket.Upgrader

	// Live sessions. agents is keyed by venue id; a venue has at most one.
	agents      map[string]*session
	controllers map[*session]bool

	register   chan *session
	unregister chan *session
	broadcasts chan []byte

	states map[string]*venueState

	messagesRelayed atomic.Uint64
	startedAt       time.Time

	mu sync.RWMutex
}

// NewHub creates the session hub. alert and command sinks are attached via
// SetAlertSink / SetCommandSink once those components exist.
func NewHub(log zerolog.Logger, db *database.DB, signer *token.Signer, bus *EventBus, frames *framestore.Store, results ResultSink, apiKey string) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		db:      db,
		signer:  signer,
		bus:     bus,
		frames:  frames,
		apiKey:  apiKey,
		results: results,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents and dashboards connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		agents:      make(map[string]*session),
		controllers: make(map[*session]bool),
		register:    make(chan *session),
		unregister:  make(chan *session),
		broadcasts:  make(chan []byte, 1024),
		states:      make(map[string]*venueState),
		startedAt:   time.Now(),
	}
}

// SetAlertSink attaches the alert pipeline. Called once during startup.
func (h *Hub) SetAlertSink(s AlertSink) { h.alertSink = s }

// SetCommandSink attaches the dispatcher for controller-injected commands.
func (h *Hub) SetCommandSink(c CommandSink) { h.commands = c }

// Run starts the hub's registration loop and broadcast loop. Blocks until
// ctx is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	go h.broadcastLoop(ctx)

	for {
		if err := h.runLoop(ctx); err != nil {
			if ctx.Err() != nil {
				h.shutdown()
				h.log.Info().Msg("hub stopped")
				return
			}
			h.log.Error().Err(err).Msg("hub loop crashed, restarting")
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-h.register:
			h.handleRegister(s)
		case s := <-h.unregister:
			h.handleUnregister(s)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.agents)+len(h.controllers))
	for _, s := range h.agents {
		sessions = append(sessions, s)
	}
	for s := range h.controllers {
		sessions = append(sessions, s)
	}
	h.agents = make(map[string]*session)
	h.controllers = make(map[*session]bool)
	h.mu.Unlock()

	for _, s := range sessions {
		s.closeWithReason(websocket.CloseGoingAway, "relay shutting down")
	}
}

// handleRegister attaches a session. For agents, any previous session for
// the same venue is closed with reason "replaced" before the new one takes
// over; external work happens outside the lock.
func (h *Hub) handleRegister(s *session) {
	var replaced *session

	h.mu.Lock()
	switch s.kind {
	case kindAgent:
		if old, ok := h.agents[s.venueID]; ok && old != s {
			replaced = old
		}
		h.agents[s.venueID] = s
		st := h.state(s.venueID)
		st.connected = true
		st.connectedAt = time.Now()
		metrics.ConnectedVenues.Set(float64(len(h.agents)))
	case kindController:
		h.controllers[s] = true
		metrics.ConnectedControllers.Set(float64(len(h.controllers)))
	}
	h.mu.Unlock()

	if replaced != nil {
		replaced.closeWithReason(websocket.ClosePolicyViolation, "replaced")
		h.log.Warn().Str("venue", s.venueID).Msg("replaced live agent session")
	}

	switch s.kind {
	case kindAgent:
		h.log.Info().Str("venue", s.venueID).Str("name", s.venueName).Msg("agent connected")
		h.publish("venue_connected", s.venueID, s.venueName, map[string]any{
			"venueId": s.venueID,
			"name":    s.venueName,
		})
	case kindController:
		h.log.Info().Str("session", s.id).Msg("controller connected")
	}
}

// state returns the venueState for id, creating it if needed. Callers must
// hold h.mu.
func (h *Hub) state(id string) *venueState {
	st, ok := h.states[id]
	if !ok {
		st = &venueState{}
		h.states[id] = st
	}
	return st
}

func (h *Hub) handleUnregister(s *session) {
	var (
		wasLive   bool
		venueGone bool
	)

	h.mu.Lock()
	switch s.kind {
	case kindAgent:
		if h.agents[s.venueID] == s {
			delete(h.agents, s.venueID)
			st := h.state(s.venueID)
			st.connected = false
			st.disconnectedAt = time.Now()
			venueGone = true
			metrics.ConnectedVenues.Set(float64(len(h.agents)))
		}
		wasLive = true
	case kindController:
		if h.controllers[s] {
			delete(h.controllers, s)
			wasLive = true
			metrics.ConnectedControllers.Set(float64(len(h.controllers)))
		}
	}
	h.mu.Unlock()

	if wasLive {
		s.close()
	}
	if venueGone {
		h.log.Info().Str("venue", s.venueID).Msg("agent disconnected")
		h.publish("venue_disconnected", s.venueID, s.venueName, map[string]any{
			"venueId": s.venueID,
			"name":    s.venueName,
		})
	}
}

// publish fans an event out to controller sockets and bus subscribers
// (SSE, Telegram adapter).
func (h *Hub) publish(eventType, venueID, venueName string, payload any) {
	h.bus.Publish(eventType, venueID, venueName, payload)

	event := Event{
		Type:      eventType,
		VenueID:   venueID,
		VenueName: venueName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if data, err := json.Marshal(payload); err == nil {
		event.Data = data
	}
	msg, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcasts <- msg:
	default:
		h.log.Warn().Msg("controller broadcast queue full, dropping event")
	}
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-h.broadcasts:
			h.mu.RLock()
			peers := make([]*session, 0, len(h.controllers))
			for c := range h.controllers {
				peers = append(peers, c)
			}
			h.mu.RUnlock()
			for _, c := range peers {
				c.safeSend(data)
			}
		}
	}
}

// handleAgentMessage routes one typed inbound message. Runs on the
// session's read goroutine, so messages from one agent stay ordered.
func (h *Hub) handleAgentMessage(s *session, env *wire.Envelope, raw []byte) {
	h.messagesRelayed.Add(1)
	metrics.MessagesRelayedTotal.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case wire.TypeStatusUpdate:
		h.mu.Lock()
		st := h.state(s.venueID)
		st.telemetry = append(json.RawMessage(nil), env.Status...)
		st.lastStatusAt = time.Now()
		h.mu.Unlock()
		h.publish("status_update", s.venueID, s.venueName, json.RawMessage(env.Status))

	case wire.TypeAlert:
		if !wire.ValidSeverity(env.Severity) {
			env.Severity = wire.SeverityWarning
		}
		h.publish("alert", s.venueID, s.venueName, map[string]any{
			"message":   env.Message,
			"severity":  env.Severity,
			"alertType": env.AlertType,
		})
		if h.alertSink != nil {
			h.alertSink.HandleAgentAlert(s.venueID, s.venueName, env)
		}

	case wire.TypeCommandResult:
		if env.ID == "" {
			h.log.Warn().Str("venue", s.venueID).Msg("command_result without id")
			return
		}
		if h.results != nil {
			h.results.Resolve(s.venueID, env)
		}
		h.publish("command_result", s.venueID, s.venueName, map[string]any{
			"id":      env.ID,
			"command": env.Command,
			"result":  json.RawMessage(env.Result),
			"error":   env.Error,
		})

	case wire.TypePreviewFrame:
		if len(env.Data) > wire.MaxPreviewFrameChars {
			h.log.Debug().Str("venue", s.venueID).Int("chars", len(env.Data)).Msg("oversize preview frame dropped")
			return
		}
		frame := wire.PreviewFrame{
			Type:      wire.TypePreviewFrame,
			Timestamp: env.Timestamp,
			Width:     env.Width,
			Height:    env.Height,
			Format:    env.Format,
			Data:      env.Data,
		}
		if h.frames != nil {
			h.frames.Put(s.venueID, frame)
		}
		h.publish("preview_frame", s.venueID, s.venueName, frame)

	case wire.TypePing:
		s.sendJSON(map[string]string{"type": wire.TypePong})

	default:
		// Unknown types are forwarded untouched so new agent versions can
		// talk past an older relay.
		h.log.Debug().Str("venue", s.venueID).Str("type", env.Type).Msg("forwarding unknown message type")
		h.publish(env.Type, s.venueID, s.venueName, json.RawMessage(raw))
	}
}

// handleControllerMessage accepts command injection over the controller
// socket: {type:"command", venueId, command, params}.
func (h *Hub) handleControllerMessage(s *session, env *wire.Envelope) {
	if env.Type != wire.TypeCommand || h.commands == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := h.commands.DispatchRaw(ctx, env.VenueID, env.Command, env.Params)
	if err != nil {
		s.sendJSON(map[string]any{
			"type":    "dispatch_error",
			"venueId": env.VenueID,
			"command": env.Command,
			"error":   wire.KindOf(err),
		})
		return
	}
	s.sendJSON(map[string]any{
		"type":    "dispatch_ack",
		"venueId": env.VenueID,
		"command": env.Command,
		"id":      res.ID,
		"sent":    res.Sent,
		"queued":  res.Queued,
	})
}

// sendToVenue queues a marshaled frame on the venue's live session.
func (h *Hub) sendToVenue(venueID string, data []byte) bool {
	h.mu.RLock()
	s := h.agents[venueID]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	return s.safeSend(data)
}

// Connected reports whether the venue has a live agent session.
func (h *Hub) Connected(venueID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[venueID] != nil
}

// disconnectAge returns how long ago the venue's last session closed. Zero
// when the venue never connected; callers treat that as "long ago".
func (h *Hub) disconnectAge(venueID string) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.states[venueID]
	if !ok || st.disconnectedAt.IsZero() {
		return 0, false
	}
	return time.Since(st.disconnectedAt), true
}

// Telemetry returns the venue's last status snapshot and when it arrived.
func (h *Hub) Telemetry(venueID string) (json.RawMessage, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.states[venueID]
	if !ok || st.telemetry == nil {
		return nil, time.Time{}, false
	}
	return st.telemetry, st.lastStatusAt, true
}

// ConnectedVenueIDs lists venues with live sessions.
func (h *Hub) ConnectedVenueIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	return ids
}

// Counts returns live session counts for health reporting.
func (h *Hub) Counts() (agents, controllers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents), len(h.controllers)
}

// MessagesRelayed returns the lifetime inbound message count.
func (h *Hub) MessagesRelayed() uint64 { return h.messagesRelayed.Load() }

// Uptime returns time since the hub started.
func (h *Hub) Uptime() time.Duration { return time.Since(h.startedAt) }

// CloseVenueSession force-closes a venue's live session, e.g. when the
// venue is deleted.
func (h *Hub) CloseVenueSession(venueID, reason string) {
	h.mu.RLock()
	s := h.agents[venueID]
	h.mu.RUnlock()
	if s != nil {
		s.closeWithReason(websocket.CloseNormalClosure, reason)
	}
}

// VenueStatus is one row of the dashboard snapshot.
type VenueStatus struct {
	VenueID    string          `json:"venueId"`
	Name       string          `json:"name"`
	Connected  bool            `json:"connected"`
	LastSeen   string          `json:"lastSeen,omitempty"`
	Telemetry  json.RawMessage `json:"telemetry,omitempty"`
	InWindow   bool            `json:"inWindow"`
	Registered string          `json:"registeredAt"`
}

// Snapshot builds the venue_list payload sent to new controllers and SSE
// subscribers.
func (h *Hub) Snapshot(ctx context.Context) ([]VenueStatus, error) {
	venues, err := h.db.ListVenues(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]VenueStatus, 0, len(venues))
	for _, v := range venues {
		vs := VenueStatus{
			VenueID:    v.ID,
			Name:       v.Name,
			Registered: v.RegisteredAt.UTC().Format(time.RFC3339),
		}
		if st, ok := h.states[v.ID]; ok {
			vs.Connected = st.connected
			vs.Telemetry = st.telemetry
			if !st.lastStatusAt.IsZero() {
				vs.LastSeen = st.lastStatusAt.UTC().Format(time.RFC3339)
			}
		}
		out = append(out, vs)
	}
	return out, nil
}
