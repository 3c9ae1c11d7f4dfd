package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port   int
	server *http.Server
	status *HealthStatus
	mu     sync.RWMutex
}

// HealthStatus represents the current health status
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	StoreOK         bool      `json:"store_ok"`
	Audit           string    `json:"audit"`
	OpenSessions    int       `json:"open_sessions"`
	PendingSessions int       `json:"pending_sessions"`
	LastCheck       time.Time `json:"last_check"`
	Uptime          string    `json:"uptime"`
	Version         string    `json:"version"`
}

var startTime = time.Now()

// NewHealthServer creates a new health server
func NewHealthServer(port int) *HealthServer {
	return &HealthServer{
		port: port,
		status: &HealthStatus{
			Healthy: true,
			StoreOK: true,
			Audit:   "disabled",
			Version: Version,
		},
	}
}

// Handler returns the health endpoints
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)
	return mux
}

// Start starts the health server
func (h *HealthServer) Start() {
	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.port),
		Handler: h.Handler(),
	}

	log.Info().Int("port", h.port).Msg("Starting health server")

	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop stops the health server
func (h *HealthServer) Stop() {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
}

// UpdateStatus updates the health status
func (h *HealthServer) UpdateStatus(storeOK bool, audit string, open, pending int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.StoreOK = storeOK
	h.status.Audit = audit
	h.status.OpenSessions = open
	h.status.PendingSessions = pending
	// A disconnected audit sink degrades reporting, not the TEE.
	h.status.Healthy = storeOK
	h.status.LastCheck = time.Now()
	h.status.Uptime = time.Since(startTime).String()
}

// handleHealth handles the /health endpoint
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := *h.status
	h.mu.RUnlock()

	status.Uptime = time.Since(startTime).String()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady handles the /ready endpoint (for Kubernetes readiness probes)
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	healthy := h.status.Healthy
	h.mu.RUnlock()

	if healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := *h.status
	h.mu.RUnlock()

	healthyVal := 0
	if status.Healthy {
		healthyVal = 1
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP tzdriver_teed_healthy Whether the TEE daemon is healthy\n")
	fmt.Fprintf(w, "# TYPE tzdriver_teed_healthy gauge\n")
	fmt.Fprintf(w, "tzdriver_teed_healthy %d\n", healthyVal)
	fmt.Fprintf(w, "# HELP tzdriver_teed_sessions Sessions held by the TEE\n")
	fmt.Fprintf(w, "# TYPE tzdriver_teed_sessions gauge\n")
	fmt.Fprintf(w, "tzdriver_teed_sessions{state=\"open\"} %d\n", status.OpenSessions)
	fmt.Fprintf(w, "tzdriver_teed_sessions{state=\"pending\"} %d\n", status.PendingSessions)
	fmt.Fprintf(w, "# HELP tzdriver_teed_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE tzdriver_teed_uptime_seconds counter\n")
	fmt.Fprintf(w, "tzdriver_teed_uptime_seconds %.0f\n", time.Since(startTime).Seconds())
}
