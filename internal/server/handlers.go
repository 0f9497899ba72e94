package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name                string `json:"name"`
		Description         string `json:"description"`
		MaxEngineIterations int    `json:"max_engine_iterations"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if body.Name == "" {
		badRequest(w, "name is required")
		return
	}
	agent, err := s.deps.Agents.CreateAgent(r.Context(), body.Name, body.Description, body.MaxEngineIterations)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Agents.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleReadAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Agents.ReadAgent(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.DeleteAgent(r.Context(), r.PathValue("agent_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID   string `json:"agent_id"`
		EndUserID string `json:"end_user_id"`
		Title     string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if _, err := s.deps.Agents.ReadAgent(r.Context(), body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.deps.Sessions.CreateSession(r.Context(), body.AgentID, body.EndUserID, body.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleReadSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sessions.ReadSession(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.DeleteSession(r.Context(), r.PathValue("session_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind models.EventKind `json:"kind"`
		Data json.RawMessage  `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if body.Kind == "" {
		body.Kind = models.EventKindMessage
	}
	event, err := s.deps.Dispatcher.PostClientEvent(r.Context(), r.PathValue("session_id"), body.Kind, body.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// handleListEvents lists a session's events. With wait set it
// long-polls until an event at or past min_offset arrives.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	query := r.URL.Query()

	minOffset := 0
	if raw := query.Get("min_offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(w, "invalid min_offset %q", raw)
			return
		}
		minOffset = parsed
	}
	var kinds []models.EventKind
	if raw := query.Get("kinds"); raw != "" {
		for _, kind := range strings.Split(raw, ",") {
			kinds = append(kinds, models.EventKind(kind))
		}
	}
	if raw := query.Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			badRequest(w, "invalid wait %q", raw)
			return
		}
		if _, err := s.deps.Dispatcher.WaitForUpdate(r.Context(), sessionID, minOffset, kinds, wait); err != nil {
			writeError(w, err)
			return
		}
	}

	events, err := s.deps.Sessions.ListEvents(r.Context(), sessionID, store.ListEventsOptions{
		MinOffset: minOffset,
		Kinds:     kinds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleUpdateConsumption(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Offset int `json:"offset"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	err := s.deps.Dispatcher.UpdateConsumptionOffset(r.Context(), r.PathValue("session_id"), r.PathValue("consumer_id"), body.Offset)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateGuideline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Condition string          `json:"condition"`
		Action    string          `json:"action"`
		ToolIDs   []models.ToolID `json:"tool_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if body.Condition == "" || body.Action == "" {
		badRequest(w, "condition and action are required")
		return
	}
	agentID := r.PathValue("agent_id")
	if _, err := s.deps.Agents.ReadAgent(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}
	guideline, err := s.deps.Guidelines.CreateGuideline(r.Context(), agentID, body.Condition, body.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, toolID := range body.ToolIDs {
		if _, err := s.deps.Associations.CreateAssociation(r.Context(), guideline.ID, toolID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, guideline)
}

func (s *Server) handleListGuidelines(w http.ResponseWriter, r *http.Request) {
	guidelines, err := s.deps.Guidelines.ListGuidelines(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"guidelines": guidelines})
}

func (s *Server) handleDeleteGuideline(w http.ResponseWriter, r *http.Request) {
	guidelineID := r.PathValue("guideline_id")
	if err := s.deps.Guidelines.DeleteGuideline(r.Context(), guidelineID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Associations.DeleteForGuideline(r.Context(), guidelineID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Connections.EraseConnectionsFor(r.Context(), guidelineID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	guidelineID := r.PathValue("guideline_id")
	indirect := r.URL.Query().Get("indirect") == "true"

	var connections []*models.GuidelineConnection
	var err error
	if r.URL.Query().Get("direction") == "target" {
		connections, err = s.deps.Connections.ListByTarget(r.Context(), guidelineID, indirect)
	} else {
		connections, err = s.deps.Connections.ListBySource(r.Context(), guidelineID, indirect)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": connections})
}

func (s *Server) handleCreateTerm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Synonyms    []string `json:"synonyms"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if body.Name == "" {
		badRequest(w, "name is required")
		return
	}
	term, err := s.deps.Glossary.CreateTerm(r.Context(), r.PathValue("agent_id"), body.Name, body.Description, body.Synonyms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, term)
}

func (s *Server) handleListTerms(w http.ResponseWriter, r *http.Request) {
	terms, err := s.deps.Glossary.ListTerms(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terms": terms})
}

func (s *Server) handleDeleteTerm(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Glossary.DeleteTerm(r.Context(), r.PathValue("term_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateVariable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string         `json:"name"`
		Description    string         `json:"description"`
		ToolID         *models.ToolID `json:"tool_id"`
		FreshnessRules string         `json:"freshness_rules"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if body.Name == "" {
		badRequest(w, "name is required")
		return
	}
	variable, err := s.deps.Variables.CreateVariable(r.Context(), r.PathValue("agent_id"), body.Name, body.Description, body.ToolID, body.FreshnessRules)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, variable)
}

func (s *Server) handleListVariables(w http.ResponseWriter, r *http.Request) {
	variables, err := s.deps.Variables.ListVariables(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": variables})
}

func (s *Server) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Variables.DeleteVariable(r.Context(), r.PathValue("variable_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind        models.ServiceKind `json:"kind"`
		URL         string             `json:"url"`
		OpenAPIJSON string             `json:"openapi_json"`
	}
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	reg, err := s.deps.Registry.UpdateService(r.Context(), r.PathValue("service_name"), body.Kind, body.URL, body.OpenAPIJSON)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.deps.Registry.ListServices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.DeleteService(r.Context(), r.PathValue("service_name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIndex re-runs the guideline indexer when its input changed.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	due, err := s.deps.Indexer.ShouldIndex(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if due {
		if err := s.deps.Indexer.Index(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"indexed": due})
}
