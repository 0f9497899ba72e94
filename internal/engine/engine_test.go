package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// fakeGenerator routes prompts to canned JSON by recognizing which
// component built them.
type fakeGenerator struct {
	propose func(prompt string) string
	call    func(prompt string) string
	revise  func(prompt string) string
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (*generation.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var payload string
	switch {
	case strings.Contains(prompt, "Predicates to evaluate"):
		payload = g.propose(prompt)
	case strings.Contains(prompt, "Write the agent's next message"):
		payload = g.revise(prompt)
	default:
		payload = g.call(prompt)
	}
	return &generation.Result{Raw: json.RawMessage(payload), Backend: "fake"}, nil
}

// decisionsFor answers a proposer batch with one uniform verdict per
// predicate.
func decisionsFor(batchSize int, applies bool, score int) string {
	var decisions []string
	for i := 1; i <= batchSize; i++ {
		decisions = append(decisions, fmt.Sprintf(
			`{"predicate":%d,"applies":%t,"score":%d,"rationale":"r","previously_applied":"no"}`,
			i, applies, score))
	}
	return `{"decisions":[` + strings.Join(decisions, ",") + `]}`
}

// countPredicates recovers the batch size from a proposer prompt.
func countPredicates(prompt string) int {
	return strings.Count(prompt, "when: ")
}

type fixture struct {
	db           storage.Database
	agents       *store.AgentStore
	sessions     *store.SessionStore
	guidelines   *store.GuidelineStore
	connections  *store.ConnectionStore
	associations *store.AssociationStore
	variables    *store.VariableStore
	glossary     *store.GlossaryStore
	registry     *tools.ServiceRegistry

	agent   *models.Agent
	session *models.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storage.NewMemoryDatabase()
	f := &fixture{
		db:           db,
		agents:       store.NewAgentStore(db),
		sessions:     store.NewSessionStore(db),
		guidelines:   store.NewGuidelineStore(db),
		connections:  store.NewConnectionStore(db),
		associations: store.NewAssociationStore(db),
		variables:    store.NewVariableStore(db),
		glossary:     store.NewGlossaryStore(db, embeddings.NewHashedProvider()),
		registry:     tools.NewServiceRegistry(store.NewServiceStore(db), nil, nil),
	}
	agent, err := f.agents.CreateAgent(ctx, "Skybot", "A travel assistant", 3)
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	session, err := f.sessions.CreateSession(ctx, agent.ID, "user-1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	f.agent = agent
	f.session = session
	return f
}

func (f *fixture) loader(t *testing.T) *StateLoader {
	t.Helper()
	return NewStateLoader(f.sessions, f.guidelines, f.associations, f.variables, f.glossary, f.registry, nil)
}

func (f *fixture) pipeline(t *testing.T, g generation.Generator) *Pipeline {
	t.Helper()
	return NewPipeline(
		f.loader(t),
		NewGuidelineProposer(g, f.connections, 0, 0, nil),
		NewToolCaller(g, f.registry, nil),
		NewMessageProducer(g, 0, nil),
		nil,
	)
}

func (f *fixture) postCustomerMessage(t *testing.T, text string) {
	t.Helper()
	data, _ := json.Marshal(models.MessageEventData{
		Message:     text,
		Participant: models.Participant{ID: "user-1", DisplayName: "Dana"},
	})
	if _, err := f.sessions.AppendEvent(context.Background(), f.session.ID, models.EventSourceCustomer, models.EventKindMessage, "c0", data); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
}

func TestStateLoader_RanksGlossaryTerms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	total := maxRelevantTerms + 2
	for i := 0; i < total; i++ {
		if _, err := f.glossary.CreateTerm(ctx, f.agent.ID, fmt.Sprintf("term-%d", i), "A billing concept.", nil); err != nil {
			t.Fatalf("CreateTerm() error = %v", err)
		}
	}

	// No customer message yet: nothing to rank against, full set loads.
	state, err := f.loader(t).Load(ctx, f.agent, f.session)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state.Terms) != total {
		t.Errorf("Terms before first message = %d, want %d", len(state.Terms), total)
	}

	f.postCustomerMessage(t, "a question about billing")
	state, err = f.loader(t).Load(ctx, f.agent, f.session)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state.Terms) != maxRelevantTerms {
		t.Errorf("Terms after message = %d, want similarity search capped at %d", len(state.Terms), maxRelevantTerms)
	}
}

func TestStagingEmitter_OrderAndDiscard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := NewStagingEmitter("corr-1")

	if err := e.EmitStatus(ctx, models.EventSourceAIAgent, models.StatusEventData{Status: "typing"}); err != nil {
		t.Fatalf("EmitStatus() error = %v", err)
	}
	if err := e.EmitTool(ctx, models.ToolEventData{}); err != nil {
		t.Fatalf("EmitTool() error = %v", err)
	}
	if err := e.EmitMessage(ctx, models.EventSourceAIAgent, models.MessageEventData{Message: "hi"}); err != nil {
		t.Fatalf("EmitMessage() error = %v", err)
	}

	staged := e.Staged()
	if len(staged) != 3 {
		t.Fatalf("Staged() = %d events, want 3", len(staged))
	}
	wantKinds := []models.EventKind{models.EventKindStatus, models.EventKindTool, models.EventKindMessage}
	for i, event := range staged {
		if event.Kind != wantKinds[i] {
			t.Errorf("staged[%d].Kind = %q, want %q", i, event.Kind, wantKinds[i])
		}
		if event.CorrelationID != "corr-1" {
			t.Errorf("staged[%d].CorrelationID = %q", i, event.CorrelationID)
		}
	}

	e.Discard()
	if len(e.Staged()) != 0 {
		t.Error("Discard() left staged events behind")
	}
}

func TestPublisher_PersistsInOrderWithCorrelation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	e := NewStagingEmitter("corr-7")
	_ = e.EmitStatus(ctx, models.EventSourceAIAgent, models.StatusEventData{Status: "processing"})
	_ = e.EmitMessage(ctx, models.EventSourceAIAgent, models.MessageEventData{Message: "done"})

	var notified []*models.Event
	publisher := NewPublisher(f.sessions, func(event *models.Event) { notified = append(notified, event) })
	persisted, err := publisher.Publish(ctx, f.session.ID, e.Staged())
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(persisted) != 2 || len(notified) != 2 {
		t.Fatalf("persisted %d, notified %d, want 2 each", len(persisted), len(notified))
	}
	for i, event := range persisted {
		if event.Offset != i {
			t.Errorf("persisted[%d].Offset = %d", i, event.Offset)
		}
		if event.CorrelationID != "corr-7" {
			t.Errorf("persisted[%d].CorrelationID = %q", i, event.CorrelationID)
		}
	}
}

func TestPublisher_AppliesControlMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	e := NewStagingEmitter("corr-1")
	_ = e.EmitTool(ctx, models.ToolEventData{ToolCalls: []models.ToolCallRecord{{
		ToolID: "local:escalate",
		Result: models.ToolCallResult{
			Data:    json.RawMessage(`"handed off"`),
			Control: models.ToolResultControl{Mode: models.SessionModeManual},
		},
	}}})

	publisher := NewPublisher(f.sessions, nil)
	if _, err := publisher.Publish(ctx, f.session.ID, e.Staged()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	session, err := f.sessions.ReadSession(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("ReadSession() error = %v", err)
	}
	if session.Mode != models.SessionModeManual {
		t.Errorf("session mode = %q, want manual after control chunk", session.Mode)
	}
}
