// Package httpserver exposes the per-process health, readiness and metrics
// endpoints.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/supervisor"
)

const (
	healthPath  = "/health"
	readyPath   = "/ready"
	metricsPath = "/metrics"

	readTimeout     = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	readyTimeout    = 3 * time.Second
)

// Health reports task liveness.
type Health interface {
	Healthy() error
	Statuses() []supervisor.Status
}

// ReadyCheck probes one external dependency.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server serves the observability surface of one process.
type Server struct {
	addr    string
	health  Health
	readies []ReadyCheck
	metrics *observability.Metrics
	log     zerolog.Logger
}

// New builds the server; readies list the dependencies /ready probes.
func New(addr string, health Health, metrics *observability.Metrics, log zerolog.Logger, readies ...ReadyCheck) *Server {
	return &Server{
		addr:    addr,
		health:  health,
		readies: readies,
		metrics: metrics,
		log:     log.With().Str("component", "http").Logger(),
	}
}

// Handler builds the route mux; split out for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, s.handleHealth)
	mux.HandleFunc(readyPath, s.handleReady)
	mux.Handle(metricsPath, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", s.addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status string              `json:"status"`
	Error  string              `json:"error,omitempty"`
	Tasks  []supervisor.Status `json:"tasks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if s.health != nil {
		resp.Tasks = s.health.Statuses()
		if err := s.health.Healthy(); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := readyResponse{Status: "ready", Checks: make(map[string]string, len(s.readies))}
	code := http.StatusOK
	for _, check := range s.readies {
		if err := check.Check(ctx); err != nil {
			resp.Checks[check.Name] = err.Error()
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[check.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
