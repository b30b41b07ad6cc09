package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/relay"
)

type HealthResponse struct {
	Status               string            `json:"status"`
	Version              string            `json:"version"`
	Uptime               int64             `json:"uptime"`
	RegisteredVenues     int               `json:"registeredVenues"`
	ConnectedVenues      int               `json:"connectedVenues"`
	Controllers          int               `json:"controllers"`
	TotalMessagesRelayed uint64            `json:"totalMessagesRelayed"`
	OpenAlerts           int               `json:"openAlerts"`
	Checks               map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        *database.DB
	hub       *relay.Hub
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, hub *relay.Hub, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, hub: hub, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	registered, _ := h.db.CountVenues(r.Context())

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	open, _ := h.db.CountOpenAlerts(r.Context())
	agents, controllers := h.hub.Counts()

	WriteJSON(w, httpStatus, HealthResponse{
		Status:               status,
		Version:              h.version,
		Uptime:               int64(time.Since(h.startTime).Seconds()),
		RegisteredVenues:     registered,
		ConnectedVenues:      agents,
		Controllers:          controllers,
		TotalMessagesRelayed: h.hub.MessagesRelayed(),
		OpenAlerts:           open,
		Checks:               checks,
	})
}

func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/health", h.ServeHTTP)
}
