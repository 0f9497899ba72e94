package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

func TestLocalService_RegisterAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewLocalService()

	s.Register("beta", "", nil, nil, false, func(ctx context.Context, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
		return &models.ToolResult{Data: json.RawMessage(`"b"`)}, nil
	})
	s.Register("alpha", "", nil, nil, false, func(ctx context.Context, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
		return &models.ToolResult{Data: json.RawMessage(`"a"`)}, nil
	})

	tools, err := s.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "alpha" || tools[1].Name != "beta" {
		t.Errorf("ListTools() not sorted by name: %v, %v", tools[0].Name, tools[1].Name)
	}

	if _, err := s.ReadTool(ctx, "alpha"); err != nil {
		t.Errorf("ReadTool() error = %v", err)
	}
	if _, err := s.ReadTool(ctx, "missing"); err != storage.ErrNotFound {
		t.Errorf("ReadTool(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLocalService_CallCoercesArguments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewLocalService()

	var seen map[string]json.RawMessage
	s.Register("transfer", "",
		map[string]models.ToolParameter{
			"amount":   {Type: "number"},
			"dry_run":  {Type: "boolean"},
			"account":  {Type: "string"},
			"priority": {Type: "string", Enum: []string{"low", "high"}},
		},
		[]string{"amount", "account"},
		true,
		func(ctx context.Context, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
			seen = args
			return &models.ToolResult{Data: json.RawMessage(`"ok"`)}, nil
		})

	_, err := s.CallTool(ctx, "transfer", nil, map[string]json.RawMessage{
		"amount":   json.RawMessage(`"42.5"`),
		"dry_run":  json.RawMessage(`"true"`),
		"account":  json.RawMessage(`"acct-9"`),
		"priority": json.RawMessage(`"high"`),
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if string(seen["amount"]) != "42.5" {
		t.Errorf("amount coerced to %s, want 42.5", seen["amount"])
	}
	if string(seen["dry_run"]) != "true" {
		t.Errorf("dry_run coerced to %s, want true", seen["dry_run"])
	}
	if string(seen["account"]) != `"acct-9"` {
		t.Errorf("account = %s", seen["account"])
	}
}

func TestLocalService_CallValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewLocalService()
	s.Register("lookup", "",
		map[string]models.ToolParameter{
			"id":   {Type: "string"},
			"mode": {Type: "string", Enum: []string{"fast", "full"}},
		},
		[]string{"id"},
		false,
		func(ctx context.Context, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{Data: json.RawMessage(`{}`)}, nil
		})

	tests := []struct {
		name string
		args map[string]json.RawMessage
	}{
		{"missing required", map[string]json.RawMessage{"mode": json.RawMessage(`"fast"`)}},
		{"unexpected argument", map[string]json.RawMessage{"id": json.RawMessage(`"x"`), "bogus": json.RawMessage(`1`)}},
		{"enum violation", map[string]json.RawMessage{"id": json.RawMessage(`"x"`), "mode": json.RawMessage(`"slow"`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CallTool(ctx, "lookup", nil, tt.args)
			var toolErr *ToolError
			if !errors.As(err, &toolErr) {
				t.Errorf("CallTool() error = %v, want *ToolError", err)
			}
		})
	}
}

func TestLocalService_CallUnknownTool(t *testing.T) {
	t.Parallel()
	s := NewLocalService()
	_, err := s.CallTool(context.Background(), "missing", nil, nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("CallTool() error = %v, want *ToolError", err)
	}
	if toolErr.ToolID.ServiceName != models.LocalServiceName {
		t.Errorf("error tool id service = %q, want local", toolErr.ToolID.ServiceName)
	}
}

func TestLocalService_ErrorsWrapAsToolError(t *testing.T) {
	t.Parallel()
	s := NewLocalService()
	s.Register("broken", "", nil, nil, false, func(ctx context.Context, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
		return nil, errors.New("downstream unavailable")
	})
	_, err := s.CallTool(context.Background(), "broken", nil, nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("CallTool() error = %v, want *ToolError", err)
	}
	if toolErr.Message != "downstream unavailable" {
		t.Errorf("message = %q", toolErr.Message)
	}
}
