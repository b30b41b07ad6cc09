package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stagewire/stagewire/internal/alerts"
	"github.com/stagewire/stagewire/internal/database"
)

type AlertsHandler struct {
	db       *database.DB
	pipeline *alerts.Pipeline
}

func NewAlertsHandler(db *database.DB, pipeline *alerts.Pipeline) *AlertsHandler {
	return &AlertsHandler{db: db, pipeline: pipeline}
}

type alertItem struct {
	ID             string          `json:"id"`
	VenueID        string          `json:"venueId"`
	Kind           string          `json:"kind"`
	Type           string          `json:"type"`
	Message        string          `json:"message"`
	Context        json.RawMessage `json:"context,omitempty"`
	CreatedAt      string          `json:"createdAt"`
	AcknowledgedAt string          `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string          `json:"acknowledgedBy,omitempty"`
	Escalated      bool            `json:"escalated"`
	Resolved       bool            `json:"resolved"`
	AutoResolved   bool            `json:"autoResolved"`
}

func toAlertItem(a *database.Alert) alertItem {
	item := alertItem{
		ID:             a.ID,
		VenueID:        a.VenueID,
		Kind:           a.Kind,
		Type:           a.Type,
		Message:        a.Message,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
		AcknowledgedBy: a.AcknowledgedBy,
		Escalated:      a.Escalated,
		Resolved:       a.Resolved,
		AutoResolved:   a.AutoResolved,
	}
	if a.Context != "" && a.Context != "{}" {
		item.Context = json.RawMessage(a.Context)
	}
	if a.Acknowledged() {
		item.AcknowledgedAt = a.AcknowledgedAt.UTC().Format(time.RFC3339)
	}
	return item
}

// ListAlerts returns recent alerts, newest first, optionally filtered by
// venue. Default page is 50, capped at 500.
func (h *AlertsHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	venueID, _ := QueryString(r, "venueId")
	limit := 50
	if n, ok := QueryInt(r, "limit"); ok {
		if n < 1 {
			WriteError(w, http.StatusBadRequest, "limit must be >= 1")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	list, err := h.db.ListAlerts(r.Context(), venueID, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	items := make([]alertItem, 0, len(list))
	for _, a := range list {
		items = append(items, toAlertItem(a))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"alerts": items,
		"total":  len(items),
	})
}

// AcknowledgeAlert claims an alert on behalf of a responder, cancelling any
// pending escalation. Accepts the full id or the 8-char chat token.
func (h *AlertsHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Responder string `json:"responder"`
	}
	if err := DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.Responder) == "" {
		WriteError(w, http.StatusBadRequest, "responder is required")
		return
	}

	alert, err := h.pipeline.Acknowledge(r.Context(), id, req.Responder)
	if err != nil {
		WriteError(w, http.StatusNotFound, "alert not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true,
		"alert":        toAlertItem(alert),
	})
}

// Routes registers alert routes on the given router.
func (h *AlertsHandler) Routes(r chi.Router) {
	r.Get("/alerts", h.ListAlerts)
	r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
}
