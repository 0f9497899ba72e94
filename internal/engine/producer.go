package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/pkg/models"
)

// DefaultRevisionBudget caps how many times the producer lets the
// generator revise its reply.
const DefaultRevisionBudget = 3

// revisionSchema is the generator's answer for one revision round.
type revisionSchema struct {
	Content          string   `json:"content"`
	FollowedRules    []string `json:"followed_rules"`
	BrokenRules      []string `json:"broken_rules"`
	FollowedAllRules bool     `json:"followed_all_rules"`
}

var revisionResponseSchema = jsonschema.MustCompileString("revision.json", `{
	"type": "object",
	"required": ["content", "followed_all_rules"],
	"properties": {
		"content": {"type": "string"},
		"followed_rules": {"type": "array", "items": {"type": "string"}},
		"broken_rules": {"type": "array", "items": {"type": "string"}},
		"followed_all_rules": {"type": "boolean"}
	}
}`)

// MessageProducer generates the turn's reply through a revision
// sequence: the generator revises its draft until it reports that all
// guidelines are followed or the budget runs out.
type MessageProducer struct {
	generator generation.Generator
	logger    *slog.Logger
	budget    int
}

// NewMessageProducer creates a producer. A non-positive budget falls
// back to the default. A nil logger discards logs.
func NewMessageProducer(generator generation.Generator, budget int, logger *slog.Logger) *MessageProducer {
	if budget < 1 {
		budget = DefaultRevisionBudget
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MessageProducer{generator: generator, logger: logger, budget: budget}
}

// Produce runs the revision sequence and stages the final content as a
// message event. Empty final content stages nothing.
func (p *MessageProducer) Produce(ctx context.Context, state *InteractionState, ordinary, toolEnabled []*Proposition, staged []models.EmittedEvent, emitter EventEmitter) error {
	var last revisionSchema
	var critique string
	for revision := 1; revision <= p.budget; revision++ {
		prompt := p.revisionPrompt(state, ordinary, toolEnabled, staged, revision, critique)
		typed := generation.Typed[revisionSchema]{Inner: p.generator, Schema: revisionResponseSchema}
		out, _, err := typed.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		last = out
		if out.FollowedAllRules {
			break
		}
		critique = fmt.Sprintf("Your previous draft was:\n%s\nIt broke these rules: %s\nRevise it.",
			out.Content, strings.Join(out.BrokenRules, "; "))
		p.logger.Debug("message revision continues",
			"revision", revision,
			"broken_rules", len(out.BrokenRules))
	}

	if strings.TrimSpace(last.Content) == "" {
		return nil
	}
	return emitter.EmitMessage(ctx, models.EventSourceAIAgent, models.MessageEventData{
		Message: last.Content,
		Participant: models.Participant{
			ID:          state.Agent.ID,
			DisplayName: state.Agent.Name,
		},
	})
}

func (p *MessageProducer) revisionPrompt(state *InteractionState, ordinary, toolEnabled []*Proposition, staged []models.EmittedEvent, revision int, critique string) string {
	var guidelines strings.Builder
	all := append(append([]*Proposition(nil), ordinary...), toolEnabled...)
	if len(all) > 0 {
		guidelines.WriteString("Guidelines to follow (by priority):\n")
		for _, prop := range all {
			fmt.Fprintf(&guidelines, "- [priority %d] when %s then %s (%s)\n",
				prop.Score, prop.Guideline.Condition, prop.Guideline.Action, prop.Rationale)
		}
	}

	instructions := fmt.Sprintf(`You are %s. %s
Write the agent's next message to the customer, revision %d.
Report which guidelines the draft followed and which it broke.
Respond with a JSON object:
{"content": "<message>", "followed_rules": [...], "broken_rules": [...], "followed_all_rules": <bool>}
Leave "content" empty if no message should be sent.`,
		state.Agent.Name, state.Agent.Description, revision)

	return joinSections(
		instructions,
		historySection(state.History),
		variablesSection(state.Variables),
		guidelines.String(),
		stagedSection(staged),
		critique,
	)
}
