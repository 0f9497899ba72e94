// Package pluginsdk lets a separate process host tools for the runtime.
// The Server speaks the plugin protocol: GET /tools, GET /tools/{name},
// and POST /tools/{name}/calls with a chunked JSON response stream.
package pluginsdk

import (
	"context"
	"encoding/json"
	"time"
)

// Parameter declares one argument of a hosted tool.
type Parameter struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolDescriptor is the wire form of a hosted tool.
type ToolDescriptor struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	CreationUTC   time.Time            `json:"creation_utc"`
	Description   string               `json:"description"`
	Parameters    map[string]Parameter `json:"parameters"`
	Required      []string             `json:"required"`
	Consequential bool                 `json:"consequential"`
}

// CallRequest is the body of a tool call.
type CallRequest struct {
	SessionID string                     `json:"session_id"`
	Arguments map[string]json.RawMessage `json:"arguments"`
}

// Control steers the calling session.
type Control struct {
	Mode string `json:"mode,omitempty"`
}

// Result is a tool's terminal outcome.
type Result struct {
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Control  *Control        `json:"control,omitempty"`
}

// CallContext is handed to a running tool. EmitStatus and EmitMessage
// stream side events to the caller before the result.
type CallContext struct {
	SessionID string

	emit func(chunk any) error
}

// EmitStatus streams a status chunk (typing, processing, ready).
func (c *CallContext) EmitStatus(status string, data json.RawMessage) error {
	return c.emit(statusChunk{Status: status, Data: data})
}

// EmitMessage streams a message chunk.
func (c *CallContext) EmitMessage(text string) error {
	return c.emit(messageChunk{Message: text})
}

type statusChunk struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type messageChunk struct {
	Message string `json:"message"`
}

type errorChunk struct {
	Error string `json:"error"`
}

// Handler implements one hosted tool.
type Handler func(ctx context.Context, cc *CallContext, args map[string]json.RawMessage) (*Result, error)
