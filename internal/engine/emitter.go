// Package engine implements the processing pipeline that turns a client
// event into agent events: guideline proposal, tool calling, and message
// production, with all output staged until the task completes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// EventEmitter receives the pipeline's output events.
type EventEmitter interface {
	EmitMessage(ctx context.Context, source models.EventSource, data models.MessageEventData) error
	EmitStatus(ctx context.Context, source models.EventSource, data models.StatusEventData) error
	EmitTool(ctx context.Context, data models.ToolEventData) error
	EmitCustom(ctx context.Context, source models.EventSource, data json.RawMessage) error
}

// StagingEmitter buffers events in memory in emission order. Nothing is
// persisted until the dispatcher publishes the staged list; a cancelled
// task simply drops the buffer.
type StagingEmitter struct {
	correlationID string

	mu     sync.Mutex
	staged []models.EmittedEvent
}

// NewStagingEmitter creates a buffer for one processing task.
func NewStagingEmitter(correlationID string) *StagingEmitter {
	return &StagingEmitter{correlationID: correlationID}
}

func (e *StagingEmitter) append(source models.EventSource, kind models.EventKind, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	e.mu.Lock()
	e.staged = append(e.staged, models.EmittedEvent{
		Source:        source,
		Kind:          kind,
		CorrelationID: e.correlationID,
		Data:          raw,
	})
	e.mu.Unlock()
	return nil
}

// EmitMessage stages a message event.
func (e *StagingEmitter) EmitMessage(ctx context.Context, source models.EventSource, data models.MessageEventData) error {
	return e.append(source, models.EventKindMessage, data)
}

// EmitStatus stages a status event.
func (e *StagingEmitter) EmitStatus(ctx context.Context, source models.EventSource, data models.StatusEventData) error {
	return e.append(source, models.EventKindStatus, data)
}

// EmitTool stages a tool event on behalf of the agent.
func (e *StagingEmitter) EmitTool(ctx context.Context, data models.ToolEventData) error {
	return e.append(models.EventSourceAIAgent, models.EventKindTool, data)
}

// EmitCustom stages a custom event with an opaque payload.
func (e *StagingEmitter) EmitCustom(ctx context.Context, source models.EventSource, data json.RawMessage) error {
	return e.append(source, models.EventKindCustom, data)
}

// Staged returns the buffered events in emission order.
func (e *StagingEmitter) Staged() []models.EmittedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.EmittedEvent, len(e.staged))
	copy(out, e.staged)
	return out
}

// Discard drops everything buffered so far.
func (e *StagingEmitter) Discard() {
	e.mu.Lock()
	e.staged = nil
	e.mu.Unlock()
}

// Publisher persists staged events to a session's log in staged order
// and notifies the given callback per persisted event.
type Publisher struct {
	sessions  *store.SessionStore
	onPersist func(*models.Event)
}

// NewPublisher creates a publisher. onPersist may be nil.
func NewPublisher(sessions *store.SessionStore, onPersist func(*models.Event)) *Publisher {
	return &Publisher{sessions: sessions, onPersist: onPersist}
}

// Publish appends the staged events to the session log. A tool result
// carrying a control mode switches the session's mode as it lands.
func (p *Publisher) Publish(ctx context.Context, sessionID string, staged []models.EmittedEvent) ([]*models.Event, error) {
	persisted := make([]*models.Event, 0, len(staged))
	for _, emitted := range staged {
		event, err := p.sessions.AppendEvent(ctx, sessionID, emitted.Source, emitted.Kind, emitted.CorrelationID, emitted.Data)
		if err != nil {
			return persisted, err
		}
		if emitted.Kind == models.EventKindTool {
			if err := p.applyControl(ctx, sessionID, emitted.Data); err != nil {
				return persisted, err
			}
		}
		persisted = append(persisted, event)
		if p.onPersist != nil {
			p.onPersist(event)
		}
	}
	return persisted, nil
}

func (p *Publisher) applyControl(ctx context.Context, sessionID string, data json.RawMessage) error {
	var payload struct {
		ToolCalls []struct {
			Result struct {
				Control models.ToolResultControl `json:"control"`
			} `json:"result"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	for _, call := range payload.ToolCalls {
		mode := call.Result.Control.Mode
		if mode == "" {
			continue
		}
		if !mode.Valid() {
			continue
		}
		if err := p.sessions.SetMode(ctx, sessionID, mode); err != nil {
			return err
		}
	}
	return nil
}
