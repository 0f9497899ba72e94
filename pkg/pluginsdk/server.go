package pluginsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type hostedTool struct {
	descriptor ToolDescriptor
	handler    Handler
}

// Server hosts tools behind the plugin protocol.
type Server struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*hostedTool

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates an empty plugin server. A nil logger discards logs.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		logger: logger,
		tools:  make(map[string]*hostedTool),
	}
}

// Register adds a tool to the server.
func (s *Server) Register(name, description string, parameters map[string]Parameter, required []string, consequential bool, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = &hostedTool{
		descriptor: ToolDescriptor{
			ID:            uuid.NewString(),
			Name:          name,
			CreationUTC:   time.Now().UTC(),
			Description:   description,
			Parameters:    parameters,
			Required:      required,
			Consequential: consequential,
		},
		handler: handler,
	}
}

// Handler returns the protocol's HTTP handler, for embedding in tests
// or an existing server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("GET /tools/{name}", s.handleReadTool)
	mux.HandleFunc("POST /tools/{name}/calls", s.handleCallTool)
	return mux
}

// ListenAndServe serves the protocol on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("plugin listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	s.logger.Info("plugin server listening", "addr", listener.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound address once serving.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	descriptors := make([]ToolDescriptor, 0, len(s.tools))
	for _, t := range s.tools {
		descriptors = append(descriptors, t.descriptor)
	}
	s.mu.RUnlock()
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"tools": descriptors})
}

func (s *Server) handleReadTool(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	t, ok := s.tools[r.PathValue("name")]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown tool"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": t.descriptor})
}

// handleCallTool streams the call response chunk by chunk. Each chunk
// is one JSON object followed by a flush.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.RLock()
	t, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown tool"})
		return
	}

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed call body"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)

	var emitMu sync.Mutex
	emit := func(chunk any) error {
		emitMu.Lock()
		defer emitMu.Unlock()
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	cc := &CallContext{SessionID: req.SessionID, emit: emit}
	result, err := t.handler(r.Context(), cc, req.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", name, "error", err)
		_ = emit(errorChunk{Error: err.Error()})
		return
	}
	if result == nil {
		result = &Result{Data: json.RawMessage("null")}
	}
	if result.Data == nil {
		result.Data = json.RawMessage("null")
	}
	_ = emit(result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
