package models

import (
	"time"
)

// SessionMode controls whether the runtime replies to client events
// automatically or leaves replies to an operator.
type SessionMode string

const (
	// SessionModeAuto processes every client event through the engine.
	SessionModeAuto SessionMode = "auto"

	// SessionModeManual suspends automatic processing; events are logged
	// but no agent output is produced.
	SessionModeManual SessionMode = "manual"
)

// Valid reports whether the mode is one of the known session modes.
func (m SessionMode) Valid() bool {
	return m == SessionModeAuto || m == SessionModeManual
}

// Session is a conversation between one end user and one agent. Sessions
// own their event log; deleting a session deletes its events.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// AgentID is the agent answering in this session.
	AgentID string `json:"agent_id"`

	// EndUserID identifies the human side of the conversation.
	EndUserID string `json:"end_user_id"`

	// Title is an optional operator-facing label.
	Title string `json:"title,omitempty"`

	// Mode selects automatic or manual processing. Tools may switch it
	// through a result's control block.
	Mode SessionMode `json:"mode"`

	// ConsumptionOffsets tracks, per consumer, the highest event offset
	// that consumer has acknowledged.
	ConsumptionOffsets map[string]int `json:"consumption_offsets"`

	// CreationUTC is when the session was created.
	CreationUTC time.Time `json:"creation_utc"`
}
