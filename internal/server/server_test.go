package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/indexing"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// apiGenerator answers proposer, indexer, and producer prompts with
// inert canned output so API flows complete.
type apiGenerator struct {
	message string
}

func (g *apiGenerator) Name() string { return "api" }

func (g *apiGenerator) Generate(ctx context.Context, prompt string) (*generation.Result, error) {
	var payload string
	switch {
	case strings.Contains(prompt, "Predicates to evaluate"):
		var decisions []string
		for i := 1; i <= strings.Count(prompt, "when: "); i++ {
			decisions = append(decisions, fmt.Sprintf(
				`{"predicate":%d,"applies":false,"score":1,"rationale":"r","previously_applied":"no"}`, i))
		}
		payload = `{"decisions":[` + strings.Join(decisions, ",") + `]}`
	case strings.Contains(prompt, "Guideline pairs to relate"):
		var decisions []string
		for i := 1; i <= strings.Count(prompt, "first: when"); i++ {
			decisions = append(decisions, fmt.Sprintf(`{"pair":%d,"connected":false}`, i))
		}
		payload = `{"decisions":[` + strings.Join(decisions, ",") + `]}`
	default:
		body, _ := json.Marshal(g.message)
		payload = `{"content":` + string(body) + `,"followed_rules":[],"broken_rules":[],"followed_all_rules":true}`
	}
	return &generation.Result{Raw: json.RawMessage(payload), Backend: "api"}, nil
}

type fixture struct {
	api          *httptest.Server
	associations *store.AssociationStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemoryDatabase()
	agents := store.NewAgentStore(db)
	sessions := store.NewSessionStore(db)
	guidelines := store.NewGuidelineStore(db)
	connections := store.NewConnectionStore(db)
	associations := store.NewAssociationStore(db)
	variables := store.NewVariableStore(db)
	glossary := store.NewGlossaryStore(db, embeddings.NewHashedProvider())
	registry := tools.NewServiceRegistry(store.NewServiceStore(db), nil, nil)
	g := &apiGenerator{message: "Happy to help!"}

	pipeline := engine.NewPipeline(
		engine.NewStateLoader(sessions, guidelines, associations, variables, glossary, registry, nil),
		engine.NewGuidelineProposer(g, connections, 0, 0, nil),
		engine.NewToolCaller(g, registry, nil),
		engine.NewMessageProducer(g, 0, nil),
		nil,
	)
	dispatcher := dispatch.NewDispatcher(agents, sessions, pipeline, 0, nil)
	indexer := indexing.NewGuidelineIndexer(agents, guidelines, connections, g,
		filepath.Join(t.TempDir(), "index.json"), 0, nil)

	srv := New(Deps{
		Agents:       agents,
		Sessions:     sessions,
		Guidelines:   guidelines,
		Connections:  connections,
		Associations: associations,
		Variables:    variables,
		Glossary:     glossary,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Indexer:      indexer,
	}, nil)

	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)
	return &fixture{api: api, associations: associations}
}

// do issues a JSON request and decodes the response into out (if any).
func (f *fixture) do(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.api.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s status = %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

func (f *fixture) createAgent(t *testing.T) *models.Agent {
	t.Helper()
	var agent models.Agent
	f.do(t, http.MethodPost, "/agents",
		map[string]any{"name": "Skybot", "description": "travel assistant"},
		http.StatusCreated, &agent)
	return &agent
}

func TestServer_AgentLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	agent := f.createAgent(t)
	if agent.ID == "" || agent.MaxEngineIterations < 1 {
		t.Fatalf("created agent = %+v", agent)
	}

	var got models.Agent
	f.do(t, http.MethodGet, "/agents/"+agent.ID, nil, http.StatusOK, &got)
	if got.Name != "Skybot" {
		t.Errorf("agent name = %q", got.Name)
	}

	var listed struct {
		Agents []*models.Agent `json:"agents"`
	}
	f.do(t, http.MethodGet, "/agents", nil, http.StatusOK, &listed)
	if len(listed.Agents) != 1 {
		t.Errorf("agents = %d, want 1", len(listed.Agents))
	}

	f.do(t, http.MethodDelete, "/agents/"+agent.ID, nil, http.StatusNoContent, nil)
	f.do(t, http.MethodGet, "/agents/"+agent.ID, nil, http.StatusNotFound, nil)
}

func TestServer_ChatRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	agent := f.createAgent(t)

	var session models.Session
	f.do(t, http.MethodPost, "/sessions",
		map[string]any{"agent_id": agent.ID, "end_user_id": "user-1"},
		http.StatusCreated, &session)

	var posted models.Event
	f.do(t, http.MethodPost, "/sessions/"+session.ID+"/events",
		map[string]any{"data": map[string]any{"message": "hello", "participant": map[string]any{"id": "user-1"}}},
		http.StatusCreated, &posted)
	if posted.Offset != 0 {
		t.Errorf("posted offset = %d, want 0", posted.Offset)
	}

	// Long-poll for the agent's reply.
	var listed struct {
		Events []*models.Event `json:"events"`
	}
	f.do(t, http.MethodGet,
		"/sessions/"+session.ID+"/events?min_offset=1&kinds=message&wait=2s",
		nil, http.StatusOK, &listed)
	if len(listed.Events) != 1 {
		t.Fatalf("events = %d, want the reply", len(listed.Events))
	}
	reply := listed.Events[0]
	if reply.Source != models.EventSourceAIAgent || reply.CorrelationID != posted.CorrelationID {
		t.Errorf("reply = %+v", reply)
	}
	var data models.MessageEventData
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if data.Message != "Happy to help!" {
		t.Errorf("reply message = %q", data.Message)
	}

	f.do(t, http.MethodPut, "/sessions/"+session.ID+"/consumption/ui",
		map[string]int{"offset": reply.Offset}, http.StatusNoContent, nil)
	var got models.Session
	f.do(t, http.MethodGet, "/sessions/"+session.ID, nil, http.StatusOK, &got)
	if got.ConsumptionOffsets["ui"] != reply.Offset {
		t.Errorf("consumption offsets = %v", got.ConsumptionOffsets)
	}
}

func TestServer_GuidelinesAndIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	agent := f.createAgent(t)

	var guideline models.Guideline
	f.do(t, http.MethodPost, "/agents/"+agent.ID+"/guidelines",
		map[string]any{
			"condition": "customer asks about refunds",
			"action":    "check the order first",
			"tool_ids":  []map[string]string{{"service_name": "local", "tool_name": "read_order"}},
		},
		http.StatusCreated, &guideline)

	associations, err := f.associations.ListForGuideline(context.Background(), guideline.ID)
	if err != nil {
		t.Fatalf("ListForGuideline() error = %v", err)
	}
	if len(associations) != 1 || associations[0].ToolID.ToolName != "read_order" {
		t.Errorf("associations = %+v", associations)
	}

	var indexed map[string]bool
	f.do(t, http.MethodPost, "/index", nil, http.StatusOK, &indexed)
	if !indexed["indexed"] {
		t.Error("first index run reported nothing to do")
	}
	f.do(t, http.MethodPost, "/index", nil, http.StatusOK, &indexed)
	if indexed["indexed"] {
		t.Error("second index run re-indexed an unchanged set")
	}

	f.do(t, http.MethodDelete, "/guidelines/"+guideline.ID, nil, http.StatusNoContent, nil)
	f.do(t, http.MethodDelete, "/guidelines/"+guideline.ID, nil, http.StatusNotFound, nil)
}

func TestServer_TermsAndVariables(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	agent := f.createAgent(t)

	var term models.Term
	f.do(t, http.MethodPost, "/agents/"+agent.ID+"/terms",
		map[string]any{"name": "chargeback", "description": "a disputed card transaction", "synonyms": []string{"dispute"}},
		http.StatusCreated, &term)
	var terms struct {
		Terms []*models.Term `json:"terms"`
	}
	f.do(t, http.MethodGet, "/agents/"+agent.ID+"/terms", nil, http.StatusOK, &terms)
	if len(terms.Terms) != 1 {
		t.Errorf("terms = %d, want 1", len(terms.Terms))
	}
	f.do(t, http.MethodDelete, "/terms/"+term.ID, nil, http.StatusNoContent, nil)

	var variable models.ContextVariable
	f.do(t, http.MethodPost, "/agents/"+agent.ID+"/variables",
		map[string]any{"name": "plan", "description": "subscription tier"},
		http.StatusCreated, &variable)

	// Freshness rules must be a valid cron line.
	f.do(t, http.MethodPost, "/agents/"+agent.ID+"/variables",
		map[string]any{"name": "bad", "freshness_rules": "not a cron line"},
		http.StatusBadRequest, nil)
}

func TestServer_ServiceValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.do(t, http.MethodPut, "/services/local",
		map[string]any{"kind": "sdk", "url": "http://127.0.0.1:9"},
		http.StatusBadRequest, nil)
	f.do(t, http.MethodPut, "/services/payments",
		map[string]any{"kind": "carrier-pigeon"},
		http.StatusBadRequest, nil)

	var services struct {
		Services []*models.ServiceRegistration `json:"services"`
	}
	f.do(t, http.MethodGet, "/services", nil, http.StatusOK, &services)
	if len(services.Services) != 0 {
		t.Errorf("services = %+v, want none persisted", services.Services)
	}
}

func TestServer_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	agent := f.createAgent(t)

	f.do(t, http.MethodPost, "/agents", map[string]any{"description": "no name"}, http.StatusBadRequest, nil)
	f.do(t, http.MethodPost, "/sessions", map[string]any{"agent_id": "missing"}, http.StatusNotFound, nil)
	f.do(t, http.MethodPost, "/agents/"+agent.ID+"/guidelines",
		map[string]any{"condition": "only a condition"}, http.StatusBadRequest, nil)

	var session models.Session
	f.do(t, http.MethodPost, "/sessions",
		map[string]any{"agent_id": agent.ID, "end_user_id": "u"},
		http.StatusCreated, &session)
	f.do(t, http.MethodGet, "/sessions/"+session.ID+"/events?min_offset=oops", nil, http.StatusBadRequest, nil)
	f.do(t, http.MethodGet, "/sessions/"+session.ID+"/events?wait=never", nil, http.StatusBadRequest, nil)
}
