// Package store provides the typed entity stores built on the document
// database contract in internal/storage.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/storage"
)

// Collection names used across the stores. One database holds them all.
const (
	collectionAgents       = "agents"
	collectionSessions     = "sessions"
	collectionEvents       = "events"
	collectionGuidelines   = "guidelines"
	collectionConnections  = "guideline_connections"
	collectionAssociations = "guideline_tool_associations"
	collectionVariables    = "context_variables"
	collectionValues       = "context_values"
	collectionTerms        = "glossary_terms"
	collectionServices     = "tool_services"
)

// toDocument converts a typed entity into a storage document through its
// JSON form.
func toDocument(v any) (storage.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// fromDocument converts a storage document back into a typed entity.
func fromDocument(doc storage.Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func eq(v any) map[string]any {
	return map[string]any{"$eq": v}
}
