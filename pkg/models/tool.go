package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LocalServiceName is reserved for the built-in in-process tool service.
const LocalServiceName = "local"

// ToolID addresses a tool within a registered service.
// Wire format is "service_name:tool_name".
type ToolID struct {
	ServiceName string `json:"service_name"`
	ToolName    string `json:"tool_name"`
}

// String renders the wire format.
func (t ToolID) String() string {
	return t.ServiceName + ":" + t.ToolName
}

// ParseToolID parses the "service:tool" wire format.
func ParseToolID(s string) (ToolID, error) {
	service, tool, ok := strings.Cut(s, ":")
	if !ok || service == "" || tool == "" {
		return ToolID{}, fmt.Errorf("invalid tool id %q: want service_name:tool_name", s)
	}
	return ToolID{ServiceName: service, ToolName: tool}, nil
}

// MarshalJSON encodes the id in wire format.
func (t ToolID) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the wire format.
func (t *ToolID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseToolID(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ToolParameter declares one argument of a tool.
type ToolParameter struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Tool describes a callable tool exposed by a service.
type Tool struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	CreationUTC   time.Time                `json:"creation_utc"`
	Description   string                   `json:"description"`
	Parameters    map[string]ToolParameter `json:"parameters"`
	Required      []string                 `json:"required"`
	Consequential bool                     `json:"consequential"`
}

// ToolResultControl lets a tool steer the session. Mode, when set,
// switches the session between auto and manual at persistence time.
type ToolResultControl struct {
	Mode SessionMode `json:"mode,omitempty"`
}

// ToolResult is the terminal outcome of a tool call.
type ToolResult struct {
	Data     json.RawMessage   `json:"data"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	Control  ToolResultControl `json:"control,omitempty"`
}

// ServiceKind distinguishes how a tool service is reached.
type ServiceKind string

const (
	// ServiceKindLocal is the built-in in-process service.
	ServiceKindLocal ServiceKind = "local"

	// ServiceKindPlugin is an out-of-process plugin spoken to over the
	// chunked-JSON HTTP protocol.
	ServiceKindPlugin ServiceKind = "sdk"

	// ServiceKindOpenAPI derives tools from an OpenAPI 3 document.
	ServiceKindOpenAPI ServiceKind = "openapi"
)

// ServiceRegistration is the persisted record of a tool service.
type ServiceRegistration struct {
	Name string      `json:"name"`
	Kind ServiceKind `json:"kind"`

	// URL is the base address for sdk and openapi services.
	URL string `json:"url,omitempty"`

	// OpenAPIJSON is the source document for openapi services.
	OpenAPIJSON string `json:"openapi_json,omitempty"`

	CreationUTC time.Time `json:"creation_utc"`
}
