package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stagewire/stagewire/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed between inbound messages before the socket is dropped.
	// Agents send status every 30 s, so three missed beats end the session.
	readWait = 95 * time.Second

	// Maximum inbound message size. Preview frames dominate: 150k base64
	// chars plus envelope overhead.
	maxMessageSize = 192 * 1024

	// Per-peer outbound buffer. On overflow the oldest queued message is
	// dropped, matching the offline-queue policy.
	sendBuffer = 32
)

const (
	kindAgent      = "agent"
	kindController = "controller"
)

// session is one WebSocket peer: a venue agent or an operator controller.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	kind string

	// Agent sessions carry venue identity; controllers carry a session id.
	venueID   string
	venueName string
	id        string

	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func newSession(hub *Hub, conn *websocket.Conn, kind string) *session {
	return &session{
		hub:  hub,
		conn: conn,
		kind: kind,
		send: make(chan []byte, sendBuffer),
	}
}

// safeSend queues data for the peer without panicking on a closed channel.
// When the buffer is full the oldest queued message is discarded to make
// room, so a stalled peer sees the freshest state when it drains.
func (s *session) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if s.closed.Load() {
		return false
	}
	for {
		select {
		case s.send <- data:
			return true
		default:
			select {
			case <-s.send: // drop oldest
			default:
			}
		}
	}
}

// sendJSON marshals v and queues it for the peer.
func (s *session) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.safeSend(data)
}

// close shuts the send channel exactly once. The write pump notices and
// closes the socket.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// closeWithReason sends a close control frame before tearing down, so the
// peer can distinguish "replaced" from a network fault.
func (s *session) closeWithReason(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.close()
}

// readPump reads inbound messages and routes them through the hub. Runs as
// the sole reader for the connection, so per-session ordering holds.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister <- s
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.log.Debug().Err(err).Str("kind", s.kind).Str("venue", s.venueID).Msg("read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.log.Warn().Err(err).Str("kind", s.kind).Msg("unparseable message")
			continue
		}

		switch s.kind {
		case kindAgent:
			s.hub.handleAgentMessage(s, &env, data)
		case kindController:
			s.hub.handleControllerMessage(s, &env)
		}
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
