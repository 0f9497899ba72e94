package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// gatedGenerator blocks inside Generate until released or cancelled, so
// tests can hold a task mid-flight. With a nil gate it answers at once.
type gatedGenerator struct {
	gate    chan struct{}
	started chan struct{}
	reply   func() string
	calls   atomic.Int64
}

func (g *gatedGenerator) Name() string { return "gated" }

func (g *gatedGenerator) Generate(ctx context.Context, prompt string) (*generation.Result, error) {
	g.calls.Add(1)
	if g.started != nil {
		select {
		case g.started <- struct{}{}:
		default:
		}
	}
	if g.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.gate:
		}
	}
	return &generation.Result{Raw: json.RawMessage(g.reply()), Backend: "gated"}, nil
}

func reply(message string) func() string {
	body, _ := json.Marshal(message)
	return func() string {
		return `{"content":` + string(body) + `,"followed_rules":[],"broken_rules":[],"followed_all_rules":true}`
	}
}

type fixture struct {
	sessions   *store.SessionStore
	dispatcher *Dispatcher

	agent   *models.Agent
	session *models.Session
}

func newFixture(t *testing.T, g generation.Generator) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storage.NewMemoryDatabase()
	agents := store.NewAgentStore(db)
	sessions := store.NewSessionStore(db)
	guidelines := store.NewGuidelineStore(db)
	connections := store.NewConnectionStore(db)
	associations := store.NewAssociationStore(db)
	variables := store.NewVariableStore(db)
	glossary := store.NewGlossaryStore(db, embeddings.NewHashedProvider())
	registry := tools.NewServiceRegistry(store.NewServiceStore(db), nil, nil)

	pipeline := engine.NewPipeline(
		engine.NewStateLoader(sessions, guidelines, associations, variables, glossary, registry, nil),
		engine.NewGuidelineProposer(g, connections, 0, 0, nil),
		engine.NewToolCaller(g, registry, nil),
		engine.NewMessageProducer(g, 0, nil),
		nil,
	)
	agent, err := agents.CreateAgent(ctx, "Skybot", "A travel assistant", 3)
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	session, err := sessions.CreateSession(ctx, agent.ID, "user-1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return &fixture{
		sessions:   sessions,
		dispatcher: NewDispatcher(agents, sessions, pipeline, time.Nanosecond, nil),
		agent:      agent,
		session:    session,
	}
}

func messageData(t *testing.T, text string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(models.MessageEventData{
		Message:     text,
		Participant: models.Participant{ID: "user-1", DisplayName: "Dana"},
	})
	if err != nil {
		t.Fatalf("marshal message data: %v", err)
	}
	return data
}

func TestDispatcher_PostClientEventProducesReply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &gatedGenerator{reply: reply("Hello Dana!")})

	event, err := f.dispatcher.PostClientEvent(ctx, f.session.ID, models.EventKindMessage, messageData(t, "hi"))
	if err != nil {
		t.Fatalf("PostClientEvent() error = %v", err)
	}
	if event.Offset != 0 || event.Source != models.EventSourceCustomer {
		t.Errorf("posted event = %+v", event)
	}

	ok, err := f.dispatcher.WaitForUpdate(ctx, f.session.ID, 1, []models.EventKind{models.EventKindMessage}, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForUpdate() error = %v", err)
	}
	if !ok {
		t.Fatal("WaitForUpdate() = false, want a produced message")
	}

	events, err := f.sessions.ListEvents(ctx, f.session.ID, store.ListEventsOptions{Source: models.EventSourceAIAgent})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("agent events = %d, want 1", len(events))
	}
	var data models.MessageEventData
	if err := json.Unmarshal(events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if data.Message != "Hello Dana!" {
		t.Errorf("message = %q", data.Message)
	}
	if events[0].CorrelationID != event.CorrelationID {
		t.Errorf("reply correlation = %q, want %q", events[0].CorrelationID, event.CorrelationID)
	}
}

func TestDispatcher_NewerEventSupersedesPendingTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := &gatedGenerator{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 8),
		reply:   reply("Answer to the second question."),
	}
	f := newFixture(t, g)

	if _, err := f.dispatcher.PostClientEvent(ctx, f.session.ID, models.EventKindMessage, messageData(t, "first question")); err != nil {
		t.Fatalf("PostClientEvent() error = %v", err)
	}
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never reached the generator")
	}

	// The second post cancels the first task; the gated generator
	// unblocks it with context.Canceled and nothing is persisted for it.
	if _, err := f.dispatcher.PostClientEvent(ctx, f.session.ID, models.EventKindMessage, messageData(t, "second question")); err != nil {
		t.Fatalf("PostClientEvent() error = %v", err)
	}
	close(g.gate)

	ok, err := f.dispatcher.WaitForUpdate(ctx, f.session.ID, 2, []models.EventKind{models.EventKindMessage}, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForUpdate() error = %v", err)
	}
	if !ok {
		t.Fatal("WaitForUpdate() = false, want the second turn's reply")
	}

	events, err := f.sessions.ListEvents(ctx, f.session.ID, store.ListEventsOptions{Source: models.EventSourceAIAgent})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("agent events = %d, want only the superseding turn's reply", len(events))
	}
	var data models.MessageEventData
	if err := json.Unmarshal(events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if !strings.Contains(data.Message, "second") {
		t.Errorf("message = %q, want the second answer", data.Message)
	}
	// Offsets stay dense: two customer events, one reply.
	if events[0].Offset != 2 {
		t.Errorf("reply offset = %d, want 2", events[0].Offset)
	}
}

func TestDispatcher_ManualModeSkipsProcessing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := &gatedGenerator{reply: reply("should not be sent")}
	f := newFixture(t, g)

	if err := f.sessions.SetMode(ctx, f.session.ID, models.SessionModeManual); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if _, err := f.dispatcher.PostClientEvent(ctx, f.session.ID, models.EventKindMessage, messageData(t, "anyone there?")); err != nil {
		t.Fatalf("PostClientEvent() error = %v", err)
	}

	ok, err := f.dispatcher.WaitForUpdate(ctx, f.session.ID, 1, []models.EventKind{models.EventKindMessage}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForUpdate() error = %v", err)
	}
	if ok {
		t.Fatal("manual session produced a reply")
	}
	if n := g.calls.Load(); n != 0 {
		t.Errorf("generator called %d times for a manual session", n)
	}
}

func TestDispatcher_WaitForUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &gatedGenerator{reply: reply("ok")})

	t.Run("times out on a quiet session", func(t *testing.T) {
		ok, err := f.dispatcher.WaitForUpdate(ctx, f.session.ID, 0, nil, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("WaitForUpdate() error = %v", err)
		}
		if ok {
			t.Error("WaitForUpdate() = true on an empty session")
		}
	})

	t.Run("wakes on a posted event", func(t *testing.T) {
		done := make(chan struct{})
		var ok bool
		var err error
		go func() {
			defer close(done)
			ok, err = f.dispatcher.WaitForUpdate(ctx, f.session.ID, 0, []models.EventKind{models.EventKindMessage}, 2*time.Second)
		}()
		time.Sleep(20 * time.Millisecond)
		if _, postErr := f.dispatcher.PostClientEvent(ctx, f.session.ID, models.EventKindMessage, messageData(t, "ping")); postErr != nil {
			t.Fatalf("PostClientEvent() error = %v", postErr)
		}
		<-done
		if err != nil {
			t.Fatalf("WaitForUpdate() error = %v", err)
		}
		if !ok {
			t.Error("WaitForUpdate() = false after an event was posted")
		}
	})

	t.Run("cancelled context surfaces", func(t *testing.T) {
		waitCtx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := f.dispatcher.WaitForUpdate(waitCtx, f.session.ID, 1000, nil, time.Second); err == nil {
			t.Error("WaitForUpdate() ignored a cancelled context")
		}
	})
}

func TestDispatcher_ShutdownDrainsAndRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, &gatedGenerator{reply: reply("bye")})

	if _, err := f.dispatcher.PostClientEvent(ctx, f.session.ID, models.EventKindMessage, messageData(t, "hi")); err != nil {
		t.Fatalf("PostClientEvent() error = %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.dispatcher.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// The in-flight task finished before shutdown returned.
	events, err := f.sessions.ListEvents(ctx, f.session.ID, store.ListEventsOptions{Source: models.EventSourceAIAgent})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("agent events after drain = %d, want 1", len(events))
	}

	if _, err := f.dispatcher.PostClientEvent(ctx, f.session.ID, models.EventKindMessage, messageData(t, "again")); err == nil {
		t.Error("PostClientEvent() accepted work after shutdown")
	}

	f.dispatcher.mu.Lock()
	pending := len(f.dispatcher.queues)
	f.dispatcher.mu.Unlock()
	if pending != 0 {
		t.Errorf("task queues after drain = %d, want 0", pending)
	}
}
