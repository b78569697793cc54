package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Kanri/common/version"
)

// Stats are the counters reported by /status.
type Stats struct {
	Discovery            string    `json:"discovery"`
	VocabularyBuiltAt    time.Time `json:"vocabulary_built_at"`
	Hosts                int       `json:"hosts"`
	Roles                int       `json:"roles"`
	Domains              int       `json:"domains"`
	PendingConfirmations int       `json:"pending_confirmations"`
	QueueRunning         int       `json:"queue_running"`
	QueueQueued          int       `json:"queue_queued"`
}

// Probe is what the health server asks the application.
type Probe interface {
	// Ready returns nil once requests can be served.
	Ready(ctx context.Context) error
	Stats(ctx context.Context) Stats
}

// HealthServer exposes /health, /ready and /status.  It is optional; Kanri
// runs without it when HEALTH_ADDR is empty.
type HealthServer struct {
	addr      string
	probe     Probe
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type readyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	Stats
}

// NewHealthServer creates the HTTP server without starting it.
func NewHealthServer(addr string, probe Probe) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		probe:     probe,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /ready", hs.handleReady)
	mux.HandleFunc("GET /status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Run listens until ctx is cancelled.
func (h *HealthServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		errCh <- h.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.probe.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
		Stats:      h.probe.Stats(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
