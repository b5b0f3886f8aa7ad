// Package server exposes the admin and query HTTP API.
//
// Endpoints:
//
//	GET  /-/healthy          storage health, 503 when degraded
//	POST /-/reload           re-read the config and swap the target set
//	GET  /api/v1/query_range evaluate a series selector over [start, end)
//	GET  /api/v1/targets     scheduled targets and their health
//	GET  /api/v1/status      daemon status and component statistics
//	GET  /probe              on-demand probe, Prometheus exposition
//	GET  /metrics            the daemon's own telemetry
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-sh/vigil/internal/collect"
	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/prober"
	"github.com/vigil-sh/vigil/internal/registry"
	"github.com/vigil-sh/vigil/internal/scheduler"
	"github.com/vigil-sh/vigil/internal/storage"
)

var log = logging.Component("server")

// ReloadFunc re-reads the configuration and applies it. Called by
// POST /-/reload. A validation error leaves the previous target set
// in place.
type ReloadFunc func() error

// Server is the HTTP API server.
type Server struct {
	storage   *storage.Service
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	collector *collect.Collector
	reload    ReloadFunc

	httpServer *http.Server
	startTime  time.Time
}

// New creates the API server. reload may be nil, in which case
// POST /-/reload responds 501.
func New(listen string, store *storage.Service, reg *registry.Registry,
	sched *scheduler.Scheduler, coll *collect.Collector, reload ReloadFunc) *Server {

	s := &Server{
		storage:   store,
		registry:  reg,
		scheduler: sched,
		collector: coll,
		reload:    reload,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/-/healthy", s.handleHealthy)
	mux.HandleFunc("/-/reload", s.handleReload)
	mux.HandleFunc("/api/v1/query_range", s.handleQueryRange)
	mux.HandleFunc("/api/v1/targets", s.handleTargets)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.Handle("/probe", prober.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	log.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type apiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func jsonResp(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(apiResponse{Status: "success", Data: data}); err != nil {
		log.Debug("response encode failed", "error", err)
	}
}

func jsonErr(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(apiResponse{Status: "error", Error: err.Error()})
}

func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	health := s.storage.Health()
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	jsonResp(w, code, health)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	if s.reload == nil {
		jsonErr(w, http.StatusNotImplemented, errors.New("reload not configured"))
		return
	}

	if err := s.reload(); err != nil {
		// The previous target set stays active.
		log.Warn("reload rejected", "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, errors.ErrInvalidConfig) || errors.IsValidation(err) {
			code = http.StatusBadRequest
		}
		jsonErr(w, code, err)
		return
	}

	_, generation := s.registry.Current()
	log.Info("configuration reloaded", "generation", generation)
	jsonResp(w, http.StatusOK, map[string]uint64{"generation": generation})
}

func (s *Server) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	match := q.Get("match")
	if match == "" {
		jsonErr(w, http.StatusBadRequest, errors.Wrapf(errors.ErrBadSelector, "match parameter is required"))
		return
	}
	start, err := parseMillis(q.Get("start"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, errors.Wrapf(errors.ErrBadTimeRange, "start: %v", err))
		return
	}
	end, err := parseMillis(q.Get("end"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, errors.Wrapf(errors.ErrBadTimeRange, "end: %v", err))
		return
	}

	series, err := s.storage.QueryRange(r.Context(), match, start, end)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errors.ErrBadSelector) || errors.Is(err, errors.ErrBadTimeRange) {
			code = http.StatusBadRequest
		}
		jsonErr(w, code, err)
		return
	}
	jsonResp(w, http.StatusOK, series)
}

// parseMillis accepts unix milliseconds or RFC 3339.
func parseMillis(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("parameter is required")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, s.scheduler.Targets())
}

type statusPayload struct {
	UptimeSeconds float64              `json:"uptime_seconds"`
	Generation    uint64               `json:"generation"`
	Scheduler     scheduler.Stats      `json:"scheduler"`
	Storage       storage.ServiceStats `json:"storage"`
	Collect       collect.Stats        `json:"collect"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, generation := s.registry.Current()
	jsonResp(w, http.StatusOK, statusPayload{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Generation:    generation,
		Scheduler:     s.scheduler.Stats(),
		Storage:       s.storage.Stats(),
		Collect:       s.collector.Stats(),
	})
}
