// Package server exposes the runtime over a JSON HTTP API: agent and
// session management, posting client events, long-polling the event
// log, and the supporting CRUD surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/indexing"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
)

// Deps carries everything the API serves.
type Deps struct {
	Agents       *store.AgentStore
	Sessions     *store.SessionStore
	Guidelines   *store.GuidelineStore
	Connections  *store.ConnectionStore
	Associations *store.AssociationStore
	Variables    *store.VariableStore
	Glossary     *store.GlossaryStore
	Registry     *tools.ServiceRegistry
	Dispatcher   *dispatch.Dispatcher
	Indexer      *indexing.GuidelineIndexer
	Metrics      *observability.Metrics
}

// Server is the HTTP front end.
type Server struct {
	deps   Deps
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New creates a server. A nil logger discards logs.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{deps: deps, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{agent_id}", s.handleReadAgent)
	mux.HandleFunc("DELETE /agents/{agent_id}", s.handleDeleteAgent)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{session_id}", s.handleReadSession)
	mux.HandleFunc("DELETE /sessions/{session_id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{session_id}/events", s.handlePostEvent)
	mux.HandleFunc("GET /sessions/{session_id}/events", s.handleListEvents)
	mux.HandleFunc("PUT /sessions/{session_id}/consumption/{consumer_id}", s.handleUpdateConsumption)

	mux.HandleFunc("POST /agents/{agent_id}/guidelines", s.handleCreateGuideline)
	mux.HandleFunc("GET /agents/{agent_id}/guidelines", s.handleListGuidelines)
	mux.HandleFunc("DELETE /guidelines/{guideline_id}", s.handleDeleteGuideline)
	mux.HandleFunc("GET /guidelines/{guideline_id}/connections", s.handleListConnections)

	mux.HandleFunc("POST /agents/{agent_id}/terms", s.handleCreateTerm)
	mux.HandleFunc("GET /agents/{agent_id}/terms", s.handleListTerms)
	mux.HandleFunc("DELETE /terms/{term_id}", s.handleDeleteTerm)

	mux.HandleFunc("POST /agents/{agent_id}/variables", s.handleCreateVariable)
	mux.HandleFunc("GET /agents/{agent_id}/variables", s.handleListVariables)
	mux.HandleFunc("DELETE /variables/{variable_id}", s.handleDeleteVariable)

	mux.HandleFunc("PUT /services/{service_name}", s.handleUpsertService)
	mux.HandleFunc("GET /services", s.handleListServices)
	mux.HandleFunc("DELETE /services/{service_name}", s.handleDeleteService)

	mux.HandleFunc("POST /index", s.handleIndex)

	return s.instrument(mux)
}

// Start begins serving on addr in a background goroutine.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

// instrument wraps the mux with request logging and latency metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		elapsed := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(recorder.status)).
				Observe(elapsed.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
