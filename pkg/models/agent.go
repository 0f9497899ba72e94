// Package models provides domain types for the Parley agent runtime.
package models

import (
	"time"
)

// DefaultMaxEngineIterations bounds the propose/call loop when an agent
// does not specify its own limit.
const DefaultMaxEngineIterations = 3

// Agent is a configured conversational agent. Guidelines, glossary terms,
// and context variables attach to an agent through its id.
type Agent struct {
	// ID uniquely identifies the agent.
	ID string `json:"id"`

	// Name is the display name shown to end users in message events.
	Name string `json:"name"`

	// Description is optional free text about the agent's purpose.
	Description string `json:"description,omitempty"`

	// CreationUTC is when the agent was created.
	CreationUTC time.Time `json:"creation_utc"`

	// MaxEngineIterations limits tool-calling rounds per processing task.
	// Always >= 1; defaults to DefaultMaxEngineIterations.
	MaxEngineIterations int `json:"max_engine_iterations"`
}

// EffectiveMaxIterations returns the iteration bound, applying the default
// when the stored value is invalid.
func (a *Agent) EffectiveMaxIterations() int {
	if a == nil || a.MaxEngineIterations < 1 {
		return DefaultMaxEngineIterations
	}
	return a.MaxEngineIterations
}
