package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

const ordersOpenAPI = `{
	"openapi": "3.0.0",
	"info": {"title": "Orders", "version": "1.0.0"},
	"paths": {
		"/orders": {
			"post": {
				"operationId": "create_order",
				"summary": "Creates an order",
				"parameters": [
					{"name": "notify", "in": "query", "required": false,
					 "schema": {"type": "boolean"}}
				],
				"requestBody": {
					"content": {
						"application/json": {
							"schema": {
								"type": "object",
								"required": ["sku", "quantity"],
								"properties": {
									"sku": {"type": "string"},
									"quantity": {"type": "integer"}
								}
							}
						}
					}
				}
			}
		},
		"/orders/search": {
			"get": {
				"operationId": "search_orders",
				"description": "Searches orders",
				"parameters": [
					{"name": "q", "in": "query", "required": true,
					 "schema": {"type": "string"}},
					{"name": "limit", "in": "query",
					 "schema": {"type": "integer"}}
				]
			}
		}
	}
}`

func TestOpenAPIService_DerivesTools(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewOpenAPIService("orders", "http://example.invalid", ordersOpenAPI, nil)
	if err != nil {
		t.Fatalf("NewOpenAPIService() error = %v", err)
	}

	tools, err := s.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("ListTools() = %d tools, want 2", len(tools))
	}

	create, err := s.ReadTool(ctx, "create_order")
	if err != nil {
		t.Fatalf("ReadTool() error = %v", err)
	}
	// Query and body parameters flatten into one map.
	for _, name := range []string{"notify", "sku", "quantity"} {
		if _, ok := create.Parameters[name]; !ok {
			t.Errorf("parameter %q missing from flattened map", name)
		}
	}
	// Required is the union of required query params and body fields.
	wantRequired := map[string]bool{"sku": true, "quantity": true}
	if len(create.Required) != len(wantRequired) {
		t.Fatalf("required = %v", create.Required)
	}
	for _, name := range create.Required {
		if !wantRequired[name] {
			t.Errorf("unexpected required parameter %q", name)
		}
	}
	if create.Description != "Creates an order" {
		t.Errorf("description = %q, want the summary fallback", create.Description)
	}

	search, err := s.ReadTool(ctx, "search_orders")
	if err != nil {
		t.Fatalf("ReadTool() error = %v", err)
	}
	if len(search.Required) != 1 || search.Required[0] != "q" {
		t.Errorf("search required = %v, want [q]", search.Required)
	}
}

func TestOpenAPIService_CallSplitsQueryAndBody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	type received struct {
		method string
		path   string
		query  string
		body   map[string]any
	}
	var got received
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		payload, _ := io.ReadAll(r.Body)
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id":"o-1"}`))
	}))
	defer upstream.Close()

	s, err := NewOpenAPIService("orders", upstream.URL, ordersOpenAPI, upstream.Client())
	if err != nil {
		t.Fatalf("NewOpenAPIService() error = %v", err)
	}

	result, err := s.CallTool(ctx, "create_order", nil, map[string]json.RawMessage{
		"notify":   json.RawMessage(`true`),
		"sku":      json.RawMessage(`"widget"`),
		"quantity": json.RawMessage(`3`),
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if string(result.Data) != `{"order_id":"o-1"}` {
		t.Errorf("result data = %s", result.Data)
	}
	if got.method != http.MethodPost || got.path != "/orders" {
		t.Errorf("dispatched %s %s, want POST /orders", got.method, got.path)
	}
	if got.query != "notify=true" {
		t.Errorf("query = %q, want notify=true", got.query)
	}
	if got.body["sku"] != "widget" || got.body["quantity"] != float64(3) {
		t.Errorf("body = %v", got.body)
	}
}

func TestOpenAPIService_CallErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "order not found", http.StatusNotFound)
	}))
	defer upstream.Close()

	s, err := NewOpenAPIService("orders", upstream.URL, ordersOpenAPI, upstream.Client())
	if err != nil {
		t.Fatalf("NewOpenAPIService() error = %v", err)
	}

	t.Run("missing required argument", func(t *testing.T) {
		_, err := s.CallTool(ctx, "search_orders", nil, nil)
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			t.Errorf("CallTool() error = %v, want *ToolError", err)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		_, err := s.CallTool(ctx, "search_orders", nil, map[string]json.RawMessage{
			"q": json.RawMessage(`"widgets"`),
		})
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			t.Errorf("CallTool() error = %v, want *ToolError", err)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := s.CallTool(ctx, "missing", nil, nil)
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			t.Errorf("CallTool() error = %v, want *ToolError", err)
		}
	})
}

func TestNewOpenAPIService_RejectsMalformedDocument(t *testing.T) {
	t.Parallel()
	if _, err := NewOpenAPIService("orders", "http://example.invalid", "not json", nil); err == nil {
		t.Error("NewOpenAPIService() accepted malformed document")
	}
}
