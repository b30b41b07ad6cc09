package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/framestore"
	"github.com/stagewire/stagewire/internal/oncall"
	"github.com/stagewire/stagewire/internal/relay"
	"github.com/stagewire/stagewire/internal/token"
)

type VenuesHandler struct {
	db         *database.DB
	hub        *relay.Hub
	dispatcher *relay.Dispatcher
	frames     *framestore.Store
	rotation   *oncall.Service
	signer     *token.Signer
	log        zerolog.Logger
}

func NewVenuesHandler(db *database.DB, hub *relay.Hub, dispatcher *relay.Dispatcher, frames *framestore.Store, rotation *oncall.Service, signer *token.Signer, log zerolog.Logger) *VenuesHandler {
	return &VenuesHandler{
		db:         db,
		hub:        hub,
		dispatcher: dispatcher,
		frames:     frames,
		rotation:   rotation,
		signer:     signer,
		log:        log.With().Str("component", "api").Logger(),
	}
}

type registerVenueRequest struct {
	Name         string          `json:"name"`
	Email        string          `json:"email"`
	ScheduleType string          `json:"scheduleType"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	ServiceTimes json.RawMessage `json:"serviceTimes"`
}

type registerVenueResponse struct {
	VenueID          string `json:"venueId"`
	Name             string `json:"name"`
	Token            string `json:"token"`
	RegistrationCode string `json:"registrationCode"`
}

// RegisterVenue creates a venue: a fresh id, a 6-char uppercase hex
// registration code for TDs, and a signed bearer token for the agent.
func (h *VenuesHandler) RegisterVenue(w http.ResponseWriter, r *http.Request) {
	var req registerVenueRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	scheduleType := req.ScheduleType
	switch scheduleType {
	case "":
		scheduleType = "recurring"
	case "recurring", "event":
	default:
		WriteError(w, http.StatusBadRequest, "scheduleType must be recurring or event")
		return
	}
	if scheduleType == "event" && req.ExpiresAt.IsZero() {
		WriteError(w, http.StatusBadRequest, "event venues need expiresAt")
		return
	}

	times, err := database.NormalizeServiceTimes(req.ServiceTimes)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid serviceTimes", err.Error())
		return
	}

	id := uuid.NewString()
	signed, err := h.signer.Issue(id, req.Name)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to issue venue token")
		return
	}

	v := &database.Venue{
		ID:               id,
		Name:             req.Name,
		Email:            req.Email,
		Token:            signed,
		RegistrationCode: newRegistrationCode(),
		RegisteredAt:     time.Now().UTC(),
		ServiceTimes:     times,
		ScheduleType:     scheduleType,
		ExpiresAt:        req.ExpiresAt,
	}
	if err := h.db.CreateVenue(r.Context(), v); err != nil {
		if errors.Is(err, database.ErrConflict) {
			WriteError(w, http.StatusConflict, "venue name already registered")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to create venue")
		return
	}

	hlog.FromRequest(r).Info().Str("venue", id).Str("name", req.Name).Msg("venue registered")
	WriteJSON(w, http.StatusCreated, registerVenueResponse{
		VenueID:          id,
		Name:             req.Name,
		Token:            signed,
		RegistrationCode: v.RegistrationCode,
	})
}

// newRegistrationCode mints the 6-char uppercase hex code TDs type into
// /register.
func newRegistrationCode() string {
	b := make([]byte, 3)
	rand.Read(b)
	return strings.ToUpper(hex.EncodeToString(b))
}

// ListVenues returns every venue with its live connection state and last
// telemetry, the same shape the controller venue_list snapshot uses.
func (h *VenuesHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.hub.Snapshot(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list venues")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"venues": statuses,
		"total":  len(statuses),
	})
}

type venueDetail struct {
	VenueID      string                       `json:"venueId"`
	Name         string                       `json:"name"`
	Email        string                       `json:"email,omitempty"`
	ScheduleType string                       `json:"scheduleType"`
	ExpiresAt    string                       `json:"expiresAt,omitempty"`
	RegisteredAt string                       `json:"registeredAt"`
	Connected    bool                         `json:"connected"`
	LastSeen     string                       `json:"lastSeen,omitempty"`
	Telemetry    json.RawMessage              `json:"telemetry,omitempty"`
	ServiceTimes []database.ServiceTime       `json:"serviceTimes"`
	Maintenance  []maintenanceWindowItem      `json:"maintenanceWindows"`
	OnCall       string                       `json:"onCall,omitempty"`
}

// GetVenue returns one venue with schedule, maintenance, telemetry, and the
// current on-call TD.
func (h *VenuesHandler) GetVenue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.db.GetVenue(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "venue not found")
		return
	}

	detail := venueDetail{
		VenueID:      v.ID,
		Name:         v.Name,
		Email:        v.Email,
		ScheduleType: v.ScheduleType,
		RegisteredAt: v.RegisteredAt.UTC().Format(time.RFC3339),
		Connected:    h.hub.Connected(v.ID),
		ServiceTimes: v.ServiceTimes,
		Maintenance:  []maintenanceWindowItem{},
	}
	if !v.ExpiresAt.IsZero() {
		detail.ExpiresAt = v.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if raw, at, ok := h.hub.Telemetry(v.ID); ok {
		detail.Telemetry = raw
		detail.LastSeen = at.UTC().Format(time.RFC3339)
	}
	if windows, err := h.db.ListMaintenanceWindows(r.Context(), v.ID); err == nil {
		for _, mw := range windows {
			detail.Maintenance = append(detail.Maintenance, maintenanceWindowItem{
				StartsAt: mw.StartsAt.UTC().Format(time.RFC3339),
				EndsAt:   mw.EndsAt.UTC().Format(time.RFC3339),
				Reason:   mw.Reason,
			})
		}
	}
	if cur, err := h.rotation.Current(r.Context(), v.ID); err == nil {
		detail.OnCall = cur.TDName
	}

	WriteJSON(w, http.StatusOK, detail)
}

// DeleteVenue closes any live session, clears dispatch and frame state, and
// removes the venue and its children.
func (h *VenuesHandler) DeleteVenue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.db.GetVenue(r.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, "venue not found")
		return
	}

	h.hub.CloseVenueSession(id, "venue deleted")
	h.dispatcher.ForgetVenue(id)
	h.frames.Forget(id)

	if err := h.db.DeleteVenue(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to delete venue")
		return
	}
	hlog.FromRequest(r).Info().Str("venue", id).Msg("venue deleted")
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// UpdateSchedule replaces the venue's weekly service times.
func (h *VenuesHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.db.GetVenue(r.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, "venue not found")
		return
	}

	var req struct {
		ServiceTimes json.RawMessage `json:"serviceTimes"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	times, err := database.NormalizeServiceTimes(req.ServiceTimes)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid serviceTimes", err.Error())
		return
	}
	if err := h.db.UpdateServiceTimes(r.Context(), id, times); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to save schedule")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"saved": true})
}

type maintenanceWindowItem struct {
	StartsAt string `json:"startsAt"`
	EndsAt   string `json:"endsAt"`
	Reason   string `json:"reason,omitempty"`
}

// UpdateMaintenance replaces the venue's maintenance windows. Alerts and
// window membership are suppressed while a window is open.
func (h *VenuesHandler) UpdateMaintenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.db.GetVenue(r.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, "venue not found")
		return
	}

	var req struct {
		Windows []maintenanceWindowItem `json:"windows"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	windows := make([]database.MaintenanceWindow, 0, len(req.Windows))
	for i, item := range req.Windows {
		starts, err := time.Parse(time.RFC3339, item.StartsAt)
		if err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid window", "startsAt must be RFC 3339")
			return
		}
		ends, err := time.Parse(time.RFC3339, item.EndsAt)
		if err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid window", "endsAt must be RFC 3339")
			return
		}
		if !ends.After(starts) {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid window", "endsAt must be after startsAt")
			return
		}
		windows = append(windows, database.MaintenanceWindow{
			VenueID:  id,
			StartsAt: starts,
			EndsAt:   ends,
			Reason:   req.Windows[i].Reason,
		})
	}

	if err := h.db.ReplaceMaintenanceWindows(r.Context(), id, windows); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to save maintenance windows")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"saved": true})
}

// GetPreview returns the newest stored preview frame for the venue.
func (h *VenuesHandler) GetPreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	frame, ok := h.frames.Latest(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "no preview frame for venue")
		return
	}
	WriteJSON(w, http.StatusOK, frame)
}

// SetOnCall assigns this week's pager by fuzzy TD name, the HTTP twin of
// the Telegram /setoncall command.
func (h *VenuesHandler) SetOnCall(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueId")
	if _, err := h.db.GetVenue(r.Context(), venueID); err != nil {
		WriteError(w, http.StatusNotFound, "venue not found")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	entry, err := h.rotation.SetByName(r.Context(), venueID, req.Name)
	if err != nil {
		WriteErrorDetail(w, http.StatusNotFound, "no matching TD", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"assigned": entry.TDName,
		"week":     oncall.WeekKey(time.Now()),
	})
}

// Routes registers venue routes on the given router.
func (h *VenuesHandler) Routes(r chi.Router) {
	r.Post("/venues/register", h.RegisterVenue)
	r.Get("/venues", h.ListVenues)
	r.Get("/venues/{id}", h.GetVenue)
	r.Delete("/venues/{id}", h.DeleteVenue)
	r.Put("/venues/{id}/schedule", h.UpdateSchedule)
	r.Put("/venues/{id}/maintenance", h.UpdateMaintenance)
	r.Get("/venues/{id}/preview", h.GetPreview)
	r.Post("/oncall/{venueId}", h.SetOnCall)
}
