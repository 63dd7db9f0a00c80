// Package http exposes the liquidator's health endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/archon-research/liquidator/internal/ports/inbound"
)

// HealthServerConfig holds configuration for the health server.
type HealthServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	Logger *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HealthServerConfigDefaults returns a config with default values.
func HealthServerConfigDefaults() HealthServerConfig {
	return HealthServerConfig{
		Addr:         ":8080",
		Logger:       slog.Default(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// HealthServer serves readiness and liveness checks for the liquidation loop.
//
// Endpoints:
//   - /health/ready  - 200 once the loop has completed an iteration
//   - /health/live   - 200 while iterations keep completing
//   - /health        - both flags, for dashboards
//
// All endpoints return 503 once shuttingDown is set so that a draining
// replica stops receiving traffic while its last batch settles.
type HealthServer struct {
	server       *http.Server
	checker      inbound.HealthChecker
	shuttingDown *atomic.Bool
	logger       *slog.Logger
}

type healthResponse struct {
	Status       string `json:"status"`
	Ready        *bool  `json:"ready,omitempty"`
	Healthy      *bool  `json:"healthy,omitempty"`
	ShuttingDown bool   `json:"shuttingDown,omitempty"`
}

// NewHealthServer creates a new health server.
func NewHealthServer(config HealthServerConfig, checker inbound.HealthChecker, shuttingDown *atomic.Bool) *HealthServer {
	defaults := HealthServerConfigDefaults()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}

	hs := &HealthServer{
		checker:      checker,
		shuttingDown: shuttingDown,
		logger:       config.Logger.With("component", "health-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/ready", hs.handleReady)
	mux.HandleFunc("GET /health/live", hs.handleLive)
	mux.HandleFunc("GET /health", hs.handleHealth)

	hs.server = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return hs
}

// Handler returns the health routes, for embedding or tests.
func (hs *HealthServer) Handler() http.Handler {
	return hs.server.Handler
}

// Start listens in the background.
func (hs *HealthServer) Start() {
	go func() {
		hs.logger.Info("starting health server", "addr", hs.server.Addr)
		if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("health server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the health server.
func (hs *HealthServer) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

func (hs *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	hs.report(w, hs.checker.IsReady, "ready", "not_ready")
}

func (hs *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	hs.report(w, hs.checker.IsHealthy, "healthy", "unhealthy")
}

func (hs *HealthServer) report(w http.ResponseWriter, check func() bool, up, down string) {
	if hs.shuttingDown.Load() {
		hs.respondJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down", ShuttingDown: true})
		return
	}
	if check() {
		hs.respondJSON(w, http.StatusOK, healthResponse{Status: up})
		return
	}
	hs.respondJSON(w, http.StatusServiceUnavailable, healthResponse{Status: down})
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready, healthy := false, false
	if !hs.shuttingDown.Load() {
		ready = hs.checker.IsReady()
		healthy = hs.checker.IsHealthy()
	}

	resp := healthResponse{Ready: &ready, Healthy: &healthy, ShuttingDown: hs.shuttingDown.Load()}
	code := http.StatusOK
	switch {
	case resp.ShuttingDown:
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	case ready && healthy:
		resp.Status = "ok"
	default:
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	hs.respondJSON(w, code, resp)
}

func (hs *HealthServer) respondJSON(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		hs.logger.Error("failed to encode JSON response", "error", err)
	}
}
