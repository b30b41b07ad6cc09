package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveDebug exposes local-only diagnostics: liveness, Prometheus metrics,
// and the current telemetry snapshot. It is bound to the address from the
// config; leave debugAddr empty in production configs that do not want it.
func (a *Agent) serveDebug(ctx context.Context, addr string) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeDebugJSON(w, map[string]any{
			"ok":        true,
			"relay":     a.link.Connected(),
			"uptimeSec": int64(a.uptime().Seconds()),
			"commands":  a.commandsRun.Load(),
		})
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeDebugJSON(w, a.snapshot())
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	a.log.Info().Str("addr", addr).Msg("debug server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.log.Error().Err(err).Msg("debug server failed")
	}
}

func writeDebugJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
