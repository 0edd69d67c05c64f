// Package http mounts the node's public surface on one chi router: the
// websocket upgrade, the long-poll fallback, and the reporting endpoints
// (health, stats, Prometheus scrape).
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/infra/guard"
	"github.com/relaygrid/session-fabric/infra/metrics"
	"github.com/relaygrid/session-fabric/internal/handler/lp"
	"github.com/relaygrid/session-fabric/internal/handler/ws"
	"github.com/relaygrid/session-fabric/internal/service"
)

// NewRouter assembles the route table. Session transports sit behind the
// admission guard; reporting endpoints stay reachable under pressure so
// operators can see why the node is refusing traffic.
func NewRouter(
	cfg *config.Config,
	wsh *ws.WSHandler,
	lph *lp.LPHandler,
	g *guard.Guard,
	scrape metrics.Handler,
	m service.Manager,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(admission(g))
		r.Get(cfg.HTTP.WSPath, wsh.ServeHTTP)
		r.Get(cfg.HTTP.LPPath, lph.Poll)
		r.Post(cfg.HTTP.LPPath, lph.Push)
	})

	r.Get("/healthz", healthz(m))
	r.Get("/stats", stats(m))
	r.Method(http.MethodGet, "/metrics", scrape)

	return r
}

// admission refuses new transport sessions while the host is over its
// pressure watermarks. Established sockets are unaffected; only the upgrade
// and poll entry points pass through here.
func admission(g *guard.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Polls carrying a session id belong to an admitted
			// connection; cutting them would strand queued frames.
			if err := g.Admit(); err != nil && r.URL.Query().Get("conn") == "" {
				w.Header().Set("Retry-After", "5")
				http.Error(w, "server over capacity", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthz(m service.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := m.Stats()

		status := http.StatusOK
		if snap.Health == "poor" || snap.Draining {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   snap.Health,
			"score":    snap.HealthScore,
			"draining": snap.Draining,
			"active":   snap.Active,
		})
	}
}

func stats(m service.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Stats())
	}
}

// NewServer binds the router to the configured listener address.
func NewServer(cfg *config.Config, mux *chi.Mux) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
