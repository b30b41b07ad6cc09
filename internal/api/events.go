package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/relay"
)

type DashboardHandler struct {
	hub *relay.Hub
	bus *relay.EventBus
}

func NewDashboardHandler(hub *relay.Hub, bus *relay.EventBus) *DashboardHandler {
	return &DashboardHandler{hub: hub, bus: bus}
}

// StreamEvents opens the dashboard SSE connection: an initial venue_list
// snapshot, then one event per relay broadcast, with a keepalive comment
// every 30 s. Last-Event-ID replays missed events from the bus ring.
func (h *DashboardHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := relay.EventFilter{}
	if v, ok := QueryString(r, "venues"); ok {
		filter.Venues = splitList(v)
	}
	if v, ok := QueryString(r, "types"); ok {
		filter.Types = splitList(v)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before the snapshot so nothing published in between is lost.
	ch, cancel := h.bus.Subscribe(filter)
	defer cancel()

	if statuses, err := h.hub.Snapshot(r.Context()); err == nil {
		data, _ := json.Marshal(map[string]any{"venues": statuses})
		fmt.Fprintf(w, "event: venue_list\ndata: %s\n\n", data)
		flusher.Flush()
	}

	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.bus.ReplaySince(lastEventID, filter) {
			writeSSE(w, e)
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
			metrics.SSEEventsPublishedTotal.Inc()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE frames one bus event. The data line carries the same envelope
// controller sockets receive.
func writeSSE(w http.ResponseWriter, e relay.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Routes registers the dashboard stream on the given router.
func (h *DashboardHandler) Routes(r chi.Router) {
	r.Get("/dashboard/stream", h.StreamEvents)
}
