package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// openapiDocument is the slice of OpenAPI 3 this service consumes:
// paths, operations, query parameters and JSON request bodies.
type openapiDocument struct {
	Paths map[string]map[string]openapiOperation `json:"paths"`
}

type openapiOperation struct {
	OperationID string             `json:"operationId"`
	Summary     string             `json:"summary"`
	Description string             `json:"description"`
	Parameters  []openapiParameter `json:"parameters"`
	RequestBody *openapiBody       `json:"requestBody"`
}

type openapiParameter struct {
	Name        string        `json:"name"`
	In          string        `json:"in"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
	Schema      openapiSchema `json:"schema"`
}

type openapiBody struct {
	Content map[string]struct {
		Schema openapiSchema `json:"schema"`
	} `json:"content"`
}

type openapiSchema struct {
	Type       string                   `json:"type"`
	Enum       []string                 `json:"enum"`
	Required   []string                 `json:"required"`
	Properties map[string]openapiSchema `json:"properties"`
}

// openapiTool binds a derived tool to its dispatch plan.
type openapiTool struct {
	tool       *models.Tool
	method     string
	path       string
	queryNames map[string]bool
	bodyNames  map[string]bool
}

// OpenAPIService derives one tool per operation of an OpenAPI 3
// document and dispatches calls against the service's base URL.
type OpenAPIService struct {
	name    string
	baseURL string
	client  *http.Client
	tools   map[string]*openapiTool
}

// NewOpenAPIService parses the document and builds the tool set. A nil
// httpClient uses a default with the standard call timeout.
func NewOpenAPIService(name, baseURL, openapiJSON string, httpClient *http.Client) (*OpenAPIService, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultCallTimeout}
	}
	var doc openapiDocument
	if err := json.Unmarshal([]byte(openapiJSON), &doc); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}

	s := &OpenAPIService{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		tools:   make(map[string]*openapiTool),
	}
	for path, operations := range doc.Paths {
		for method, op := range operations {
			if op.OperationID == "" {
				continue
			}
			derived, err := deriveTool(method, path, op)
			if err != nil {
				return nil, fmt.Errorf("operation %s: %w", op.OperationID, err)
			}
			s.tools[op.OperationID] = derived
		}
	}
	return s, nil
}

// deriveTool flattens an operation's query parameters and JSON body
// properties into one parameter map. Required names are the union of
// required query parameters and the body schema's required list.
func deriveTool(method, path string, op openapiOperation) (*openapiTool, error) {
	parameters := make(map[string]models.ToolParameter)
	var required []string
	queryNames := make(map[string]bool)
	bodyNames := make(map[string]bool)

	for _, p := range op.Parameters {
		if p.In != "query" {
			continue
		}
		parameters[p.Name] = models.ToolParameter{
			Type:        p.Schema.Type,
			Description: p.Description,
			Enum:        p.Schema.Enum,
		}
		queryNames[p.Name] = true
		if p.Required {
			required = append(required, p.Name)
		}
	}

	if op.RequestBody != nil {
		content, ok := op.RequestBody.Content["application/json"]
		if !ok {
			return nil, fmt.Errorf("request body is not application/json")
		}
		for name, prop := range content.Schema.Properties {
			if queryNames[name] {
				return nil, fmt.Errorf("parameter %q declared in both query and body", name)
			}
			parameters[name] = models.ToolParameter{
				Type: prop.Type,
				Enum: prop.Enum,
			}
			bodyNames[name] = true
		}
		required = append(required, content.Schema.Required...)
	}
	sort.Strings(required)

	description := op.Description
	if description == "" {
		description = op.Summary
	}
	return &openapiTool{
		tool: &models.Tool{
			ID:          uuid.NewString(),
			Name:        op.OperationID,
			CreationUTC: time.Now().UTC(),
			Description: description,
			Parameters:  parameters,
			Required:    required,
		},
		method:     strings.ToUpper(method),
		path:       path,
		queryNames: queryNames,
		bodyNames:  bodyNames,
	}, nil
}

// ListTools returns derived tools sorted by name.
func (s *OpenAPIService) ListTools(ctx context.Context) ([]*models.Tool, error) {
	out := make([]*models.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		copied := *t.tool
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadTool returns one derived tool by operation id.
func (s *OpenAPIService) ReadTool(ctx context.Context, name string) (*models.Tool, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *t.tool
	return &copied, nil
}

// CallTool splits arguments back into query string and JSON body per
// their declared locations and issues the operation's HTTP verb.
func (s *OpenAPIService) CallTool(ctx context.Context, name string, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
	toolID := models.ToolID{ServiceName: s.name, ToolName: name}
	t, ok := s.tools[name]
	if !ok {
		return nil, NewToolError(toolID, "unknown tool")
	}
	for _, req := range t.tool.Required {
		if _, ok := args[req]; !ok {
			return nil, NewToolError(toolID, "missing required argument %q", req)
		}
	}

	query := url.Values{}
	body := make(map[string]json.RawMessage)
	for argName, raw := range args {
		switch {
		case t.queryNames[argName]:
			query.Set(argName, rawQueryValue(raw))
		case t.bodyNames[argName]:
			body[argName] = raw
		default:
			return nil, NewToolError(toolID, "unexpected argument %q", argName)
		}
	}

	callURL := s.baseURL + t.path
	if encoded := query.Encode(); encoded != "" {
		callURL += "?" + encoded
	}
	var reader io.Reader
	if len(body) > 0 {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, NewToolError(toolID, "encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, t.method, callURL, reader)
	if err != nil {
		return nil, NewToolError(toolID, "%v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewToolError(toolID, "%v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewToolError(toolID, "read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewToolError(toolID, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	data := json.RawMessage(payload)
	if !json.Valid(data) {
		data, _ = json.Marshal(string(payload))
	}
	return &models.ToolResult{Data: data}, nil
}

// rawQueryValue renders a JSON argument as a query string value.
// Strings drop their quotes; everything else keeps its JSON form.
func rawQueryValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
