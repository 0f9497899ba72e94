// Package generation produces typed JSON payloads from LLM backends.
// Callers hand a prompt to a Generator and get raw JSON back; Typed
// wraps a Generator with a concrete schema struct and optional
// JSON-schema validation.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultTimeout bounds one outbound generation call.
const DefaultTimeout = 120 * time.Second

// Usage counts the tokens one generation consumed.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is a backend's raw answer: the JSON payload it produced plus
// accounting.
type Result struct {
	Raw     json.RawMessage
	Backend string
	Usage   Usage
}

// Generator produces a JSON object answering the prompt.
type Generator interface {
	// Generate runs one completion. The returned Raw is always a valid
	// JSON value; backends repair near-JSON output before returning.
	Generate(ctx context.Context, prompt string) (*Result, error)

	// Name identifies the backend for logging and metrics.
	Name() string
}

// GenerationError reports a backend failure or unusable output.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation via %s failed: %v", e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Typed binds a Generator to a concrete schema struct T. The zero value
// is not usable; set Inner.
type Typed[T any] struct {
	Inner Generator

	// Schema, when non-nil, validates the raw payload before unmarshal.
	Schema *jsonschema.Schema
}

// Generate runs the inner generator and unmarshals its payload into T.
func (t Typed[T]) Generate(ctx context.Context, prompt string) (T, *Result, error) {
	var out T
	result, err := t.Inner.Generate(ctx, prompt)
	if err != nil {
		return out, nil, err
	}
	if t.Schema != nil {
		var v any
		if err := json.Unmarshal(result.Raw, &v); err != nil {
			return out, nil, &GenerationError{Backend: result.Backend, Err: err}
		}
		if err := t.Schema.Validate(v); err != nil {
			return out, nil, &GenerationError{Backend: result.Backend, Err: fmt.Errorf("schema validation: %w", err)}
		}
	}
	if err := json.Unmarshal(result.Raw, &out); err != nil {
		return out, nil, &GenerationError{Backend: result.Backend, Err: fmt.Errorf("unmarshal payload: %w", err)}
	}
	return out, result, nil
}

// FindJSON extracts the outermost balanced JSON object from near-JSON
// text, tolerating prose before and after it. Returns false when no
// complete object exists.
func FindJSON(text string) (json.RawMessage, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := json.RawMessage(text[start : i+1])
				if json.Valid(candidate) {
					return candidate, true
				}
				start = -1
			}
		}
	}
	return nil, false
}

// repairJSON parses strictly first, then falls back to FindJSON.
func repairJSON(backend, text string) (json.RawMessage, error) {
	trimmed := json.RawMessage(text)
	if json.Valid(trimmed) {
		return trimmed, nil
	}
	if raw, ok := FindJSON(text); ok {
		return raw, nil
	}
	return nil, &GenerationError{Backend: backend, Err: fmt.Errorf("no JSON object in output")}
}
