// Package app hosts the gateway's HTTP server: the callback routes plus
// the /health and /status operational endpoints.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/section9-dev/aramaki/common/version"
)

// accountCounter is the minimal interface the server needs from the
// registry.
type accountCounter interface {
	Count() int
}

// streamCounter is the minimal interface the server needs from the
// stream store.
type streamCounter interface {
	Len() int
}

// Server exposes /health, /status, and any additionally registered HTTP
// endpoints (the callback routes).
type Server struct {
	addr      string
	accounts  accountCounter
	streams   streamCounter
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status       string    `json:"status"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	StartedAt    time.Time `json:"started_at"`
	UptimeSecs   float64   `json:"uptime_seconds"`
	AccountCount int       `json:"account_count"`
	LiveStreams  int       `json:"live_streams"`
}

// NewServer creates and configures the HTTP server (does not start it).
func NewServer(addr string, accounts accountCounter, streams streamCounter) *Server {
	mux := http.NewServeMux()
	s := &Server{
		addr:      addr,
		accounts:  accounts,
		streams:   streams,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener (e.g. with httptest.NewRecorder).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle registers a handler for the given URL pattern, delegating to the
// underlying ServeMux. Call this before Start to mount the callback
// routes.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "err", err)
		}
	}()

	// Shutdown when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
}

// handleHealth responds with a simple ok JSON payload.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus responds with runtime statistics.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	accountCount := 0
	if s.accounts != nil {
		accountCount = s.accounts.Count()
	}
	liveStreams := 0
	if s.streams != nil {
		liveStreams = s.streams.Len()
	}

	resp := statusResponse{
		Status:       "ok",
		Version:      version.Version,
		Commit:       version.GitCommit,
		BuildTime:    version.BuildTime,
		StartedAt:    s.startedAt,
		UptimeSecs:   time.Since(s.startedAt).Seconds(),
		AccountCount: accountCount,
		LiveStreams:  liveStreams,
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status
// code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: failed to encode JSON response", "err", err)
	}
}
