package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// DefaultCallTimeout bounds one outbound plugin call, stream included.
const DefaultCallTimeout = 120 * time.Second

// PluginService talks to an out-of-process tool service over HTTP.
// Tool calls stream back as chunked JSON, one object per chunk.
type PluginService struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewPluginService creates a client for the plugin at baseURL. A nil
// httpClient uses a default with the standard call timeout.
func NewPluginService(name, baseURL string, httpClient *http.Client) *PluginService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultCallTimeout}
	}
	return &PluginService{name: name, baseURL: baseURL, client: httpClient}
}

// ListTools fetches the plugin's tool listing.
func (s *PluginService) ListTools(ctx context.Context) ([]*models.Tool, error) {
	var payload struct {
		Tools []*models.Tool `json:"tools"`
	}
	if err := s.getJSON(ctx, "/tools", &payload); err != nil {
		return nil, err
	}
	return payload.Tools, nil
}

// ReadTool fetches one tool descriptor.
func (s *PluginService) ReadTool(ctx context.Context, name string) (*models.Tool, error) {
	var payload struct {
		Tool *models.Tool `json:"tool"`
	}
	err := s.getJSON(ctx, "/tools/"+url.PathEscape(name), &payload)
	if err != nil {
		return nil, err
	}
	if payload.Tool == nil {
		return nil, storage.ErrNotFound
	}
	return payload.Tool, nil
}

func (s *PluginService) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plugin %s: unexpected status %d", s.name, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// callChunk is one object of the streamed call response. Exactly one of
// the shapes is populated per chunk.
type callChunk struct {
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	Metadata map[string]any            `json:"metadata,omitempty"`
	Control  *models.ToolResultControl `json:"control,omitempty"`
}

// isTerminal reports whether the chunk carries the final result.
// Status chunks may carry auxiliary data, so Status wins over Data.
func (c *callChunk) isTerminal() bool {
	return c.Status == "" && c.Message == "" && c.Error == "" && (c.Data != nil || c.Metadata != nil)
}

// CallTool posts the call and consumes the chunked response stream.
// Status and message chunks are forwarded through the ToolContext; the
// single terminal chunk becomes the result.
func (s *PluginService) CallTool(ctx context.Context, name string, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
	toolID := models.ToolID{ServiceName: s.name, ToolName: name}

	body, err := json.Marshal(map[string]any{
		"session_id": sessionID(tc),
		"arguments":  args,
	})
	if err != nil {
		return nil, NewToolError(toolID, "encode call: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tools/"+url.PathEscape(name)+"/calls", bytes.NewReader(body))
	if err != nil {
		return nil, NewToolError(toolID, "%v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewToolError(toolID, "%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, NewToolError(toolID, "unknown tool")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewToolError(toolID, "unexpected status %d", resp.StatusCode)
	}

	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk callChunk
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, NewToolError(toolID, "no result chunk")
			}
			return nil, NewToolError(toolID, "decode chunk: %v", err)
		}
		switch {
		case chunk.Error != "":
			return nil, NewToolError(toolID, "%s", chunk.Error)
		case chunk.Status != "":
			tc.emitStatus(chunk.Status, chunk.Data)
		case chunk.Message != "":
			tc.emitMessage(chunk.Message)
		case chunk.isTerminal():
			result := &models.ToolResult{
				Data:     chunk.Data,
				Metadata: chunk.Metadata,
			}
			if chunk.Control != nil {
				result.Control = *chunk.Control
			}
			return result, nil
		}
	}
}

func sessionID(tc *ToolContext) string {
	if tc == nil {
		return ""
	}
	return tc.SessionID
}
