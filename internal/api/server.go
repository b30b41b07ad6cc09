// Package api is the relay's HTTP surface: the admin REST endpoints, the
// dashboard SSE stream, the prometheus scrape target, and the two websocket
// legs (agents and controllers).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/alerts"
	"github.com/stagewire/stagewire/internal/config"
	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/framestore"
	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/oncall"
	"github.com/stagewire/stagewire/internal/relay"
	"github.com/stagewire/stagewire/internal/token"
)

// Deps collects everything the HTTP layer fronts for.
type Deps struct {
	DB         *database.DB
	Hub        *relay.Hub
	Queues     *relay.Queues
	Dispatcher *relay.Dispatcher
	Bus        *relay.EventBus
	Frames     *framestore.Store
	Alerts     *alerts.Pipeline
	Rotation   *oncall.Service
	Signer     *token.Signer
	Version    string
	StartTime  time.Time
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	r := NewRouter(cfg.APIKey, deps, log)

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// NewRouter builds the full route tree. Split from NewServer so tests can
// mount it on httptest servers.
func NewRouter(apiKey string, deps Deps, log zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Scrape target stays outside the API key gate.
	r.Handle("/metrics", promhttp.Handler())

	// Websocket legs. Agents authenticate with their venue token,
	// controllers with the API key; both checks live in the relay package.
	r.Get("/church", deps.Hub.ServeAgent(deps.Queues))
	r.Get("/controller", deps.Hub.ServeController())

	health := NewHealthHandler(deps.DB, deps.Hub, deps.Version, deps.StartTime)
	venues := NewVenuesHandler(deps.DB, deps.Hub, deps.Dispatcher, deps.Frames, deps.Rotation, deps.Signer, log)
	commands := NewCommandsHandler(deps.Dispatcher)
	alertsH := NewAlertsHandler(deps.DB, deps.Alerts)
	dashboard := NewDashboardHandler(deps.Hub, deps.Bus)
	query := NewQueryHandler(deps.DB)

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyAuth(apiKey))
		health.Routes(r)
		venues.Routes(r)
		commands.Routes(r)
		alertsH.Routes(r)
		dashboard.Routes(r)
		query.Routes(r)
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
