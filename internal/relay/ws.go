package relay

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stagewire/stagewire/internal/wire"
)

// ServeAgent upgrades GET /church?token= to an agent session. The token is
// verified before the session attaches; failures close the socket with 1008
// and a terse reason so credentials never echo back.
func (h *Hub) ServeAgent(queues *Queues) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug().Err(err).Msg("agent upgrade failed")
			return
		}

		s := newSession(h, conn, kindAgent)

		claims, err := h.signer.Verify(r.URL.Query().Get("token"))
		if err != nil {
			h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("agent token rejected")
			s.closeWithReason(websocket.ClosePolicyViolation, "invalid token")
			go s.writePump()
			return
		}

		venue, err := h.db.GetVenue(r.Context(), claims.VenueID)
		if err != nil {
			h.log.Warn().Str("venue", claims.VenueID).Msg("token for unknown venue")
			s.closeWithReason(websocket.ClosePolicyViolation, "unknown venue")
			go s.writePump()
			return
		}

		s.venueID = venue.ID
		s.venueName = venue.Name

		h.register <- s
		go s.writePump()
		go s.readPump()

		s.sendJSON(wire.Envelope{
			Type:    wire.TypeConnected,
			VenueID: venue.ID,
			Name:    venue.Name,
		})

		// Deliver commands queued during a brief disconnect. Entries older
		// than the offline TTL were already discarded by the queue.
		for _, entry := range queues.Drain(venue.ID) {
			s.safeSend(entry.Payload)
			h.log.Info().Str("venue", venue.ID).Str("id", entry.ID).Msg("queued command delivered")
		}
	}
}

// ServeController upgrades GET /controller?apikey= to an operator session
// and sends the venue_list snapshot.
func (h *Hub) ServeController() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("apikey")
		if key == "" {
			key = r.Header.Get("x-api-key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug().Err(err).Msg("controller upgrade failed")
			return
		}

		s := newSession(h, conn, kindController)
		s.id = uuid.NewString()

		h.register <- s
		go s.writePump()
		go s.readPump()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snapshot, err := h.Snapshot(ctx)
		if err != nil {
			h.log.Error().Err(err).Msg("snapshot for controller failed")
			return
		}
		s.sendJSON(map[string]any{
			"type":   "venue_list",
			"venues": snapshot,
		})
	}
}
