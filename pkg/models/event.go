package models

import (
	"encoding/json"
	"time"
)

// EventSource identifies which party produced an event.
type EventSource string

const (
	// EventSourceCustomer marks events posted by the end user.
	EventSourceCustomer EventSource = "customer"

	// EventSourceAIAgent marks events produced by the engine on behalf
	// of the agent.
	EventSourceAIAgent EventSource = "ai_agent"

	// EventSourceSystem marks events produced by the runtime itself.
	EventSourceSystem EventSource = "system"
)

// EventKind classifies the payload carried by an event.
type EventKind string

const (
	// EventKindMessage is a human-readable chat message.
	EventKindMessage EventKind = "message"

	// EventKindTool records a batch of tool calls and their results.
	EventKindTool EventKind = "tool"

	// EventKindStatus is a transient progress indication (typing,
	// processing, ready).
	EventKindStatus EventKind = "status"

	// EventKindCustom carries opaque application data.
	EventKindCustom EventKind = "custom"
)

// Event is one entry in a session's append-only log.
//
// Offsets are assigned by the store: 0-based, dense, strictly increasing
// within a session. Events are never physically removed; deletion flips
// the Deleted flag.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Source identifies the producing party.
	Source EventSource `json:"source"`

	// Kind classifies the Data payload.
	Kind EventKind `json:"kind"`

	// Offset is the event's position in the session log.
	Offset int `json:"offset"`

	// CorrelationID groups every event derived from one client event.
	CorrelationID string `json:"correlation_id"`

	// CreationUTC is when the event was persisted.
	CreationUTC time.Time `json:"creation_utc"`

	// Data is the kind-specific payload.
	Data json.RawMessage `json:"data"`

	// Deleted marks a logically removed event.
	Deleted bool `json:"deleted,omitempty"`
}

// EmittedEvent is an event under construction inside a processing task.
// It carries no offset; the store assigns one at persistence time.
type EmittedEvent struct {
	Source        EventSource     `json:"source"`
	Kind          EventKind       `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// Participant names the party a message speaks for.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// MessageEventData is the payload of a message event.
type MessageEventData struct {
	Message     string      `json:"message"`
	Participant Participant `json:"participant"`
}

// StatusEventData is the payload of a status event.
type StatusEventData struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ToolEventData is the payload of a tool event: one record per call in
// the order the calls were issued.
type ToolEventData struct {
	ToolCalls []ToolCallRecord `json:"tool_calls"`
}

// ToolCallRecord documents one tool invocation and its outcome.
type ToolCallRecord struct {
	ToolID    string                     `json:"tool_id"`
	Arguments map[string]json.RawMessage `json:"arguments"`
	Result    ToolCallResult             `json:"result"`
}

// ToolCallResult is the persisted slice of a tool's outcome. Errors are
// data here, not exceptions: a failed call records ErrorKind and
// ErrorMessage and the pipeline carries on.
type ToolCallResult struct {
	Data         json.RawMessage   `json:"data,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Control      ToolResultControl `json:"control,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}
