// Package health exposes liveness and readiness HTTP endpoints for
// meridian control-plane and node processes, matching the shape ops
// tooling expects from every pack service: /health always answers once
// the process is up, /ready only answers once dependencies (store,
// node tunnel, module loader) report themselves healthy.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Check is a single named readiness probe result.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "ok" or "fail"
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the JSON body served by /health and /ready.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// CheckFunc reports whether a dependency is healthy, with a short
// human-readable message.
type CheckFunc func() (bool, string)

// Server serves /health and /ready over HTTP.
type Server struct {
	addr   string
	port   int
	start  time.Time
	srv    *http.Server

	mu     sync.RWMutex
	ready  bool
	checks map[string]CheckFunc
}

// NewServer creates a health server bound to addr:port. Pass port 0 to
// let the OS choose an ephemeral port (used in tests, where the server
// is never actually started).
func NewServer(addr string, port int) *Server {
	return &Server{
		addr:   addr,
		port:   port,
		start:  time.Now(),
		checks: make(map[string]CheckFunc),
	}
}

// SetReady marks the process ready (or not ready) to receive traffic.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// RegisterCheck adds a named readiness probe. All registered checks must
// pass, in addition to SetReady(true) having been called, for /ready to
// report healthy.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.start).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	s.mu.RUnlock()

	results := make(map[string]Check, len(checks))
	allPassing := true
	for name, fn := range checks {
		ok, msg := fn()
		if !ok {
			allPassing = false
		}
		results[name] = Check{Name: name, Status: statusString(ok), Message: msg, Timestamp: time.Now()}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := StatusResponse{Uptime: time.Since(s.start).String(), Checks: results}
	if ready && allPassing {
		resp.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "not ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	return mux
}

// Start begins serving /health and /ready in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.addr, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.buildMux()}
	go s.srv.Serve(ln)
	return nil
}

// Stop gracefully shuts down the server and marks the process not ready.
func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
