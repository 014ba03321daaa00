// Package adminhttp implements the relay's admin HTTP surface: /healthz,
// /metrics, and /stats, gated by a bearer-token check built on
// internal/auth's HMAC token verifier.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventrelay/relay/internal/auth"
	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/registry"
)

// StatsProvider exposes the pipeline-health counters the /stats endpoint
// reports.
type StatsProvider interface {
	Stats() Stats
}

// Stats is the JSON shape returned by /stats.
type Stats struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Connections   int     `json:"connections"`
}

// Server wires the three admin endpoints: /healthz is always open, while
// /metrics and /stats sit behind an optional bearer-token check. A nil
// verifier disables authentication (useful for local dev).
type Server struct {
	verifier *auth.ServiceTokenVerifier
	registry *registry.Registry
	gatherer prometheus.Gatherer
	startAt  time.Time
}

// New constructs a Server. verifier may be nil to disable auth. gatherer
// is the registry /metrics scrapes — it must be the same *prometheus.Registry
// passed to metrics.New, or the relay's own counters never appear in the
// scrape output.
func New(verifier *auth.ServiceTokenVerifier, reg *registry.Registry, gatherer prometheus.Gatherer) *Server {
	return &Server{verifier: verifier, registry: reg, gatherer: gatherer, startAt: time.Now()}
}

// Handler returns the admin surface's http.Handler, mounting /healthz,
// /metrics, and /stats.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/metrics", s.authenticate(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	mux.HandleFunc("/stats", s.authenticated(s.stats))
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if s.registry != nil {
		connections = s.registry.ConnectionCount()
	}
	stats := Stats{
		UptimeSeconds: time.Since(s.startAt).Seconds(),
		Connections:   connections,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		logging.L().With(logging.Error(err)).Error("encode stats response failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAuth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAuth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAuth(r *http.Request) bool {
	if s.verifier == nil {
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return false
	}
	_, err := s.verifier.Verify(token)
	return err == nil
}
