package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// plannedCall is one tool invocation the generator inferred.
type plannedCall struct {
	ToolID    string                     `json:"tool_id"`
	Arguments map[string]json.RawMessage `json:"arguments"`
}

type callerSchema struct {
	ToolCalls []plannedCall `json:"tool_calls"`
}

var toolCallsSchema = jsonschema.MustCompileString("tool_calls.json", `{
	"type": "object",
	"required": ["tool_calls"],
	"properties": {
		"tool_calls": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool_id", "arguments"],
				"properties": {
					"tool_id": {"type": "string"},
					"arguments": {"type": "object"}
				}
			}
		}
	}
}`)

// ToolCaller infers tool calls for the tool-enabled propositions and
// executes them, recording outcomes (errors included) as data.
type ToolCaller struct {
	generator generation.Generator
	registry  *tools.ServiceRegistry
	logger    *slog.Logger
}

// NewToolCaller creates a caller. A nil logger discards logs.
func NewToolCaller(generator generation.Generator, registry *tools.ServiceRegistry, logger *slog.Logger) *ToolCaller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ToolCaller{generator: generator, registry: registry, logger: logger}
}

// Call infers and executes tool calls for one pipeline iteration. The
// results land as a single staged tool event; streamed side events from
// the tools land in arrival order. Returns how many calls ran.
func (c *ToolCaller) Call(ctx context.Context, state *InteractionState, ordinary, toolEnabled []*Proposition, emitter EventEmitter, staged []models.EmittedEvent) (int, error) {
	available, err := c.availableTools(ctx, toolEnabled)
	if err != nil {
		return 0, err
	}
	if len(available) == 0 {
		return 0, nil
	}

	planned, err := c.inferCalls(ctx, state, ordinary, toolEnabled, available, staged)
	if err != nil {
		return 0, err
	}
	if len(planned) == 0 {
		return 0, nil
	}

	records := c.execute(ctx, state, planned, emitter)
	if err := ctx.Err(); err != nil {
		// Dispatched calls were awaited; their results are dropped.
		return 0, err
	}
	if err := emitter.EmitTool(ctx, models.ToolEventData{ToolCalls: records}); err != nil {
		return 0, err
	}
	return len(records), nil
}

// availableTools resolves every associated tool of the tool-enabled
// propositions, keyed by wire-format tool id.
func (c *ToolCaller) availableTools(ctx context.Context, toolEnabled []*Proposition) (map[string]*models.Tool, error) {
	available := make(map[string]*models.Tool)
	for _, prop := range toolEnabled {
		for _, toolID := range prop.ToolIDs {
			key := toolID.String()
			if _, done := available[key]; done {
				continue
			}
			tool, err := c.registry.ResolveTool(ctx, toolID)
			if err != nil {
				return nil, fmt.Errorf("resolve tool %s: %w", key, err)
			}
			available[key] = tool
		}
	}
	return available, nil
}

func (c *ToolCaller) inferCalls(ctx context.Context, state *InteractionState, ordinary, toolEnabled []*Proposition, available map[string]*models.Tool, staged []models.EmittedEvent) ([]plannedCall, error) {
	prompt := c.inferencePrompt(state, ordinary, toolEnabled, available, staged)
	typed := generation.Typed[callerSchema]{Inner: c.generator, Schema: toolCallsSchema}
	out, _, err := typed.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	// Drop calls referring to tools that were never offered.
	var kept []plannedCall
	for _, call := range out.ToolCalls {
		if _, ok := available[call.ToolID]; !ok {
			c.logger.Warn("inferred call to unavailable tool", "tool_id", call.ToolID)
			continue
		}
		kept = append(kept, call)
	}
	return kept, nil
}

// execute runs the planned calls concurrently and collects results in
// call order. Cancellation does not abort dispatched calls; they are
// awaited and their results discarded by the caller.
func (c *ToolCaller) execute(ctx context.Context, state *InteractionState, planned []plannedCall, emitter EventEmitter) []models.ToolCallRecord {
	records := make([]models.ToolCallRecord, len(planned))
	callCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, call := range planned {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()
			records[i] = c.executeOne(callCtx, state, call, emitter)
		}()
	}
	wg.Wait()
	return records
}

func (c *ToolCaller) executeOne(ctx context.Context, state *InteractionState, call plannedCall, emitter EventEmitter) models.ToolCallRecord {
	record := models.ToolCallRecord{ToolID: call.ToolID, Arguments: call.Arguments}

	toolID, err := models.ParseToolID(call.ToolID)
	if err != nil {
		record.Result = models.ToolCallResult{
			ErrorKind:    tools.ErrorKindExecution,
			ErrorMessage: err.Error(),
		}
		return record
	}

	tc := &tools.ToolContext{
		AgentID:   state.Agent.ID,
		SessionID: state.Session.ID,
		EmitMessage: func(text string) {
			_ = emitter.EmitMessage(ctx, models.EventSourceAIAgent, models.MessageEventData{
				Message:     text,
				Participant: models.Participant{ID: state.Agent.ID, DisplayName: state.Agent.Name},
			})
		},
		EmitStatus: func(status string, data json.RawMessage) {
			_ = emitter.EmitStatus(ctx, models.EventSourceAIAgent, models.StatusEventData{
				Status: status,
				Data:   data,
			})
		},
	}

	result, err := c.registry.CallTool(ctx, toolID, tc, call.Arguments)
	if err != nil {
		var toolErr *tools.ToolError
		message := err.Error()
		if errors.As(err, &toolErr) {
			message = toolErr.Message
		}
		c.logger.Warn("tool call failed", "tool_id", call.ToolID, "error", err)
		record.Result = models.ToolCallResult{
			ErrorKind:    tools.ErrorKindExecution,
			ErrorMessage: message,
		}
		return record
	}
	record.Result = models.ToolCallResult{
		Data:     result.Data,
		Metadata: result.Metadata,
		Control:  result.Control,
	}
	return record
}

func (c *ToolCaller) inferencePrompt(state *InteractionState, ordinary, toolEnabled []*Proposition, available map[string]*models.Tool, staged []models.EmittedEvent) string {
	var toolsSection strings.Builder
	toolsSection.WriteString("Available tools:\n")
	for _, prop := range toolEnabled {
		for _, toolID := range prop.ToolIDs {
			tool, ok := available[toolID.String()]
			if !ok {
				continue
			}
			fmt.Fprintf(&toolsSection, "- %s: %s\n", toolID, tool.Description)
			for name, param := range tool.Parameters {
				line := fmt.Sprintf("    %s (%s)", name, param.Type)
				if len(param.Enum) > 0 {
					line += fmt.Sprintf(" one of [%s]", strings.Join(param.Enum, ", "))
				}
				if param.Description != "" {
					line += ": " + param.Description
				}
				toolsSection.WriteString(line + "\n")
			}
			if len(tool.Required) > 0 {
				fmt.Fprintf(&toolsSection, "    required: %s\n", strings.Join(tool.Required, ", "))
			}
		}
		fmt.Fprintf(&toolsSection, "  (for guideline: when %s then %s)\n", prop.Guideline.Condition, prop.Guideline.Action)
	}

	var guidelinesSection strings.Builder
	if len(ordinary) > 0 {
		guidelinesSection.WriteString("Other active guidelines:\n")
		for _, prop := range ordinary {
			fmt.Fprintf(&guidelinesSection, "- when %s then %s\n", prop.Guideline.Condition, prop.Guideline.Action)
		}
	}

	instructions := `You decide which tool calls, if any, the agent should make right now.
Only use the tools listed, with arguments matching their declared parameters.
It is valid to make no calls.
Respond with a JSON object:
{"tool_calls": [{"tool_id": "<service:tool>", "arguments": {"<name>": <value>}}]}`

	return joinSections(
		instructions,
		historySection(state.History),
		variablesSection(state.Variables),
		termsSection(state.Terms),
		guidelinesSection.String(),
		stagedSection(staged),
		toolsSection.String(),
	)
}
