// Package api serves the orchestrator HTTP API: execution status and
// control, resources, the facility, an SSE event stream and the east/west
// endpoints peers use for distributed experiments.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/experiment"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
	"github.com/hochfrequenz/testbed-orchestrator/internal/runstore"
	"github.com/hochfrequenz/testbed-orchestrator/internal/telemetry"
)

// Queue is the live execution queue
type Queue interface {
	Create(d *domain.ExperimentDescriptor) (*experiment.Run, error)
	Find(id domain.ExecutionID) (*experiment.Run, bool)
	Cancel(id domain.ExecutionID) error
	Retrieve(statuses ...domain.CoarseStatus) []*experiment.Run
}

// Store interface for persisted executions
type Store interface {
	experiment.Store
	ListExecutions(opts runstore.ListOptions) ([]*domain.ExecutionRecord, error)
}

// Facility gives access to definitions and resources
type Facility interface {
	Reload() error
	Validation() []facility.Validation
	Names(kind facility.Kind) []string
	Registry() *facility.Registry
}

// Options configure the server. Telemetry, Metrics and OnEvent are
// optional.
type Options struct {
	Addr       string
	Queue      Queue
	Store      Store
	Facility   Facility
	Telemetry  telemetry.Store
	Metrics    http.Handler
	ResultsDir string
	EastWest   bool
	Logger     *slog.Logger
	// OnEvent is told about every event published to subscribers
	OnEvent func(kind string)
}

// Server is the HTTP API server
type Server struct {
	opts   Options
	mux    *http.ServeMux
	sseHub *SSEHub
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		logger: opts.Logger.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/executions", s.listExecutionsHandler())
	s.mux.HandleFunc("POST /api/executions", s.submitHandler())
	s.mux.HandleFunc("GET /api/executions/{id}", s.getExecutionHandler())
	s.mux.HandleFunc("POST /api/executions/{id}/cancel", s.cancelHandler())
	s.mux.HandleFunc("GET /api/executions/{id}/report", s.reportHandler())
	s.mux.HandleFunc("GET /api/executions/{id}/archive", s.archiveHandler())
	s.mux.HandleFunc("GET /api/resources", s.resourcesHandler())
	s.mux.HandleFunc("GET /api/facility", s.facilityHandler())
	s.mux.HandleFunc("POST /api/facility/reload", s.reloadHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())

	// East/west peer endpoints
	s.mux.HandleFunc("POST /distributed/run", s.eastWest(s.remoteRunHandler()))
	s.mux.HandleFunc("GET /distributed/{id}/status", s.eastWest(s.remoteStatusHandler()))
	s.mux.HandleFunc("GET /distributed/{id}/values", s.eastWest(s.remoteValuesHandler()))
	s.mux.HandleFunc("GET /distributed/{id}/values/{name}", s.eastWest(s.remoteValueHandler()))
	s.mux.HandleFunc("GET /distributed/{id}/results", s.eastWest(s.remoteResultsHandler()))
	s.mux.HandleFunc("GET /distributed/{id}/files", s.eastWest(s.archiveHandler()))
	s.mux.HandleFunc("POST /distributed/{id}/peerDetails", s.eastWest(s.peerDetailsHandler()))

	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{Addr: s.opts.Addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Publish forwards an execution event to all SSE clients. It is meant to be
// used as experiment.Dependencies.OnEvent.
func (s *Server) Publish(e experiment.Event) {
	s.Broadcast(SSEEvent{Type: string(e.Kind), Data: e})
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	if !s.sseHub.Broadcast(event) {
		s.logger.Debug("event dropped, hub busy", "type", event.Type)
		return
	}
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(event.Type)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeStatusJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeStatusJSON(w, code, map[string]string{"error": message})
}
