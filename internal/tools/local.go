package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// ToolFunc is the signature of an in-process tool.
type ToolFunc func(ctx context.Context, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error)

type localTool struct {
	tool *models.Tool
	fn   ToolFunc
}

// LocalService hosts in-process tools under the reserved "local" name.
type LocalService struct {
	mu    sync.RWMutex
	tools map[string]*localTool
}

// NewLocalService creates an empty local service.
func NewLocalService() *LocalService {
	return &LocalService{tools: make(map[string]*localTool)}
}

// Register adds a tool. Re-registering a name replaces the previous
// entry.
func (s *LocalService) Register(name, description string, parameters map[string]models.ToolParameter, required []string, consequential bool, fn ToolFunc) *models.Tool {
	tool := &models.Tool{
		ID:            uuid.NewString(),
		Name:          name,
		CreationUTC:   time.Now().UTC(),
		Description:   description,
		Parameters:    parameters,
		Required:      required,
		Consequential: consequential,
	}
	s.mu.Lock()
	s.tools[name] = &localTool{tool: tool, fn: fn}
	s.mu.Unlock()
	return tool
}

// ListTools returns registered tools sorted by name.
func (s *LocalService) ListTools(ctx context.Context) ([]*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Tool, 0, len(s.tools))
	for _, lt := range s.tools {
		copied := *lt.tool
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadTool returns one tool by name.
func (s *LocalService) ReadTool(ctx context.Context, name string) (*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lt, ok := s.tools[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *lt.tool
	return &copied, nil
}

// CallTool coerces arguments to their declared types and invokes the
// tool function.
func (s *LocalService) CallTool(ctx context.Context, name string, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
	s.mu.RLock()
	lt, ok := s.tools[name]
	s.mu.RUnlock()
	toolID := models.ToolID{ServiceName: models.LocalServiceName, ToolName: name}
	if !ok {
		return nil, NewToolError(toolID, "unknown tool")
	}

	coerced, err := coerceArguments(lt.tool, args)
	if err != nil {
		return nil, NewToolError(toolID, "%v", err)
	}
	result, err := lt.fn(ctx, tc, coerced)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return nil, toolErr
		}
		return nil, NewToolError(toolID, "%v", err)
	}
	return result, nil
}

// coerceArguments aligns raw argument values with the tool's declared
// parameter types. String arguments for number/integer/boolean
// parameters are re-parsed; anything declared string that arrives as a
// bare JSON scalar is stringified.
func coerceArguments(tool *models.Tool, args map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	for _, name := range tool.Required {
		if _, ok := args[name]; !ok {
			return nil, fmt.Errorf("missing required argument %q", name)
		}
	}
	out := make(map[string]json.RawMessage, len(args))
	for name, raw := range args {
		param, declared := tool.Parameters[name]
		if !declared {
			return nil, fmt.Errorf("unexpected argument %q", name)
		}
		coerced, err := coerceValue(param, raw)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceValue(param models.ToolParameter, raw json.RawMessage) (json.RawMessage, error) {
	switch param.Type {
	case "string":
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if len(param.Enum) > 0 && !contains(param.Enum, s) {
				return nil, fmt.Errorf("value %q not in enum", s)
			}
			return raw, nil
		}
		// Bare scalar: stringify it.
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return nil, err
		}
		return quoted, nil
	case "number", "integer":
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return raw, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("want %s", param.Type)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("want %s, got %q", param.Type, s)
		}
		return json.Marshal(f)
	case "boolean":
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return raw, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("want boolean")
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("want boolean, got %q", s)
		}
		return json.Marshal(b)
	default:
		// Unknown or compound types pass through untouched.
		return raw, nil
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
