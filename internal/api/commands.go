package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stagewire/stagewire/internal/relay"
)

type CommandsHandler struct {
	dispatcher *relay.Dispatcher
}

func NewCommandsHandler(dispatcher *relay.Dispatcher) *CommandsHandler {
	return &CommandsHandler{dispatcher: dispatcher}
}

type commandRequest struct {
	VenueID string          `json:"venueId"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// InjectCommand queues one command toward a venue. Replies with the
// dispatch outcome immediately; results flow back over the SSE stream and
// controller sockets once the agent answers.
func (h *CommandsHandler) InjectCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.dispatcher.DispatchRaw(r.Context(), req.VenueID, strings.TrimSpace(req.Command), req.Params)
	if err != nil {
		WriteWireError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type broadcastRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Broadcast sends one command to every connected venue.
func (h *CommandsHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		WriteError(w, http.StatusBadRequest, "command is required")
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	sent, total, err := h.dispatcher.Broadcast(r.Context(), req.Command, params)
	if err != nil {
		WriteWireError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"sent":  sent,
		"total": total,
	})
}

// Routes registers command injection routes on the given router.
func (h *CommandsHandler) Routes(r chi.Router) {
	r.Post("/command", h.InjectCommand)
	r.Post("/broadcast", h.Broadcast)
}
