// Package tools implements the tool service layer: in-process local
// tools, out-of-process plugin services spoken to over a chunked-JSON
// HTTP stream, and tools derived from OpenAPI documents, all resolved
// through one registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/pkg/models"
)

// ErrorKindExecution labels tool failures recorded in results.
const ErrorKindExecution = "tool_execution_error"

// ToolError reports a failed tool call. It is recorded in the tool
// event's result slot; the pipeline does not abort on it.
type ToolError struct {
	ToolID  models.ToolID
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.ToolID, e.Message)
}

// NewToolError builds a ToolError for the given tool.
func NewToolError(toolID models.ToolID, format string, args ...any) *ToolError {
	return &ToolError{ToolID: toolID, Message: fmt.Sprintf(format, args...)}
}

// ToolContext identifies the session a call runs for and carries the
// side-event callbacks. Emit functions may be nil when side events have
// nowhere to go.
type ToolContext struct {
	AgentID   string
	SessionID string

	// EmitMessage stages a message side event on behalf of the tool.
	EmitMessage func(text string)

	// EmitStatus stages a status side event.
	EmitStatus func(status string, data json.RawMessage)
}

func (c *ToolContext) emitMessage(text string) {
	if c != nil && c.EmitMessage != nil {
		c.EmitMessage(text)
	}
}

func (c *ToolContext) emitStatus(status string, data json.RawMessage) {
	if c != nil && c.EmitStatus != nil {
		c.EmitStatus(status, data)
	}
}

// ToolService exposes a named set of callable tools.
type ToolService interface {
	// ListTools returns every tool the service offers.
	ListTools(ctx context.Context) ([]*models.Tool, error)

	// ReadTool returns one tool by name.
	ReadTool(ctx context.Context, name string) (*models.Tool, error)

	// CallTool runs a tool. Failures surface as *ToolError.
	CallTool(ctx context.Context, name string, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error)
}
