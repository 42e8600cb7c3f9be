// Package httpserver exposes the orchestrator's control-plane HTTP surface:
// liveness, module status, and an optional /metrics endpoint.
package httpserver

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/skelly-jelly/core/internal/registry"
	"github.com/skelly-jelly/core/internal/schema"
)

const (
	healthzPath = "/healthz"
	statusPath  = "/status"

	readHeaderTimeout = 5 * time.Second
)

// Server is the orchestrator's control-plane HTTP surface.
type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
}

// New constructs a Server bound to addr, serving status from reg. /metrics is
// served by metricsHandler and is mounted only when metricsHandler is non-nil.
func New(addr string, reg *registry.Registry, metricsHandler http.Handler) *Server {
	s := &Server{registry: reg}

	mux := http.NewServeMux()
	mux.HandleFunc(healthzPath, s.handleHealthz)
	mux.HandleFunc(statusPath, s.handleStatus)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type moduleStatusResponse struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	RestartCount  int    `json:"restart_count"`
	LastError     string `json:"last_error,omitempty"`
	DegradedSince string `json:"degraded_since,omitempty"`
}

type statusResponse struct {
	Overall string                 `json:"overall"`
	Modules []moduleStatusResponse `json:"modules"`
}

// handleStatus reports a single overall indicator (Running, Degraded,
// Stopped, or Failed) alongside each module's detailed status, so an
// operator sees at a glance whether anything needs attention.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.All()
	resp := statusResponse{Overall: string(schema.ModuleRunning)}

	for _, st := range statuses {
		entry := moduleStatusResponse{
			Name:         st.Descriptor.Name,
			State:        string(st.State),
			RestartCount: st.RestartCount,
			LastError:    st.LastError,
		}
		if !st.DegradedSince.IsZero() {
			entry.DegradedSince = st.DegradedSince.Format(time.RFC3339)
		}
		resp.Modules = append(resp.Modules, entry)

		switch st.State {
		case schema.ModuleFailed:
			resp.Overall = string(schema.ModuleFailed)
		case schema.ModuleDegraded:
			if resp.Overall != string(schema.ModuleFailed) {
				resp.Overall = string(schema.ModuleDegraded)
			}
		case schema.ModuleStopped, schema.ModuleStopping:
			if resp.Overall == string(schema.ModuleRunning) {
				resp.Overall = string(schema.ModuleStopped)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(resp)
}
