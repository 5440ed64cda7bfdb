// Package ops exposes the operational surface: liveness, readiness and
// Prometheus metrics over a small gorilla/mux server.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinpath/bridge/internal/circuitbreaker"
	"github.com/coinpath/bridge/internal/config"
)

// Check probes one dependency; ok=false fails readiness with the detail.
type Check func(ctx context.Context) (detail string, ok bool)

// Checks wires the server to the components it reports on. Nil members are
// skipped, so the submitter-only and projector-only binaries reuse the
// same server.
type Checks struct {
	DBPing            func(ctx context.Context) error
	BreakerState      func() circuitbreaker.State
	SubmitterActivity func() time.Time
	ProjectorActivity func() time.Time
	ProjectorLag      func() uint64
}

// Server serves /livez, /readyz and /metrics.
type Server struct {
	cfg    config.OpsConfig
	checks Checks
	log    *slog.Logger
	http   *http.Server
	start  time.Time
}

func NewServer(cfg config.OpsConfig, checks Checks, log *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		checks: checks,
		log:    log.With("component", "ops"),
		start:  time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/livez", s.handleLivez).Methods("GET")
	router.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown; it blocks like http.ListenAndServe.
func (s *Server) Start() error {
	s.log.Info("ops server listening", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type probeResult struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleLivez reports process liveness: the process is up and its workers
// have heartbeated within the threshold.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	res := probeResult{
		Status: "ok",
		Uptime: time.Since(s.start).Round(time.Second).String(),
		Checks: map[string]string{},
	}
	healthy := true

	threshold := s.cfg.HeartbeatThreshold()
	grace := time.Since(s.start) < threshold

	if s.checks.SubmitterActivity != nil {
		last := s.checks.SubmitterActivity()
		if !grace && time.Since(last) > threshold {
			res.Checks["submitter_heartbeat"] = "stale since " + last.Format(time.RFC3339)
			healthy = false
		} else {
			res.Checks["submitter_heartbeat"] = "ok"
		}
	}

	// The projector legitimately idles on a quiet chain, so its event
	// heartbeat informs but does not fail liveness.
	if s.checks.ProjectorActivity != nil {
		last := s.checks.ProjectorActivity()
		if last.IsZero() {
			res.Checks["projector_heartbeat"] = "no events yet"
		} else {
			res.Checks["projector_heartbeat"] = "last event " + last.Format(time.RFC3339)
		}
	}

	s.write(w, res, healthy)
}

// handleReadyz reports readiness: database reachable, breaker not OPEN,
// projection lag within budget.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res := probeResult{
		Status: "ready",
		Uptime: time.Since(s.start).Round(time.Second).String(),
		Checks: map[string]string{},
	}
	ready := true

	if s.checks.DBPing != nil {
		if err := s.checks.DBPing(ctx); err != nil {
			res.Checks["database"] = err.Error()
			ready = false
		} else {
			res.Checks["database"] = "ok"
		}
	}

	if s.checks.BreakerState != nil {
		state := s.checks.BreakerState()
		res.Checks["circuit_breaker"] = state.String()
		if state == circuitbreaker.StateOpen {
			ready = false
		}
	}

	if s.checks.ProjectorLag != nil {
		lag := s.checks.ProjectorLag()
		if lag > s.cfg.ProjectionLagBudgetBlocks {
			res.Checks["projection_lag"] = "over budget"
			ready = false
		} else {
			res.Checks["projection_lag"] = "ok"
		}
	}

	s.write(w, res, ready)
}

func (s *Server) write(w http.ResponseWriter, res probeResult, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		res.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(res)
}
