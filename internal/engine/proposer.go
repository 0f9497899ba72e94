package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// DefaultBatchSize is how many guidelines one proposer prompt covers.
	DefaultBatchSize = 5

	// DefaultActivationThreshold is the minimum score for activation.
	DefaultActivationThreshold = 7
)

// Proposition is an activated guideline with the proposer's verdict.
type Proposition struct {
	Guideline *models.Guideline
	Score     int
	Rationale string
	ToolIDs   []models.ToolID
}

// guidelineDecision is the generator's verdict on one predicate.
type guidelineDecision struct {
	Predicate         int    `json:"predicate"`
	Applies           bool   `json:"applies"`
	Score             int    `json:"score"`
	Rationale         string `json:"rationale"`
	PreviouslyApplied string `json:"previously_applied"`
}

type proposerSchema struct {
	Decisions []guidelineDecision `json:"decisions"`
}

// proposerResponseSchema rejects malformed verdicts before they are
// trusted; lenient unmarshalling would otherwise zero-fill them.
var proposerResponseSchema = jsonschema.MustCompileString("guideline_decisions.json", `{
	"type": "object",
	"required": ["decisions"],
	"properties": {
		"decisions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["predicate", "applies", "score"],
				"properties": {
					"predicate": {"type": "integer", "minimum": 1},
					"applies": {"type": "boolean"},
					"score": {"type": "integer", "minimum": 1, "maximum": 10},
					"rationale": {"type": "string"},
					"previously_applied": {"enum": ["no", "partially", "fully"]}
				}
			}
		}
	}
}`)

// GuidelineProposer decides which guidelines apply to the current state
// of an interaction.
type GuidelineProposer struct {
	generator   generation.Generator
	connections *store.ConnectionStore
	logger      *slog.Logger

	batchSize int
	threshold int
}

// NewGuidelineProposer creates a proposer. Non-positive batchSize or
// threshold fall back to defaults. A nil logger discards logs.
func NewGuidelineProposer(generator generation.Generator, connections *store.ConnectionStore, batchSize, threshold int, logger *slog.Logger) *GuidelineProposer {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if threshold < 1 {
		threshold = DefaultActivationThreshold
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GuidelineProposer{
		generator:   generator,
		connections: connections,
		logger:      logger,
		batchSize:   batchSize,
		threshold:   threshold,
	}
}

// Propose evaluates the agent's guidelines against the interaction and
// returns the activated ones split into ordinary and tool-enabled sets,
// each ordered by descending score with stable input order on ties.
func (p *GuidelineProposer) Propose(ctx context.Context, state *InteractionState) (ordinary, toolEnabled []*Proposition, err error) {
	candidates := state.Guidelines
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	decisions := make([]guidelineDecision, len(candidates))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for start := 0; start < len(candidates); start += p.batchSize {
		end := start + p.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		start, end := start, end
		group.Go(func() error {
			batch := candidates[start:end]
			verdicts, err := p.evaluateBatch(groupCtx, state, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, verdict := range verdicts {
				if verdict.Predicate < 1 || verdict.Predicate > len(batch) {
					mu.Unlock()
					return fmt.Errorf("proposer returned predicate %d for a batch of %d", verdict.Predicate, len(batch))
				}
				decisions[start+verdict.Predicate-1] = verdict
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	activated := make(map[string]*Proposition)
	var order []*Proposition
	for i, guideline := range candidates {
		decision := decisions[i]
		if !decision.Applies || decision.Score < p.threshold {
			continue
		}
		if decision.PreviouslyApplied == "fully" {
			continue
		}
		prop := &Proposition{
			Guideline: guideline,
			Score:     decision.Score,
			Rationale: decision.Rationale,
			ToolIDs:   state.Associations[guideline.ID],
		}
		activated[guideline.ID] = prop
		order = append(order, prop)
	}

	// Entailment propagation: guidelines entailed by an activated one
	// activate too, inheriting the source's score.
	byID := make(map[string]*models.Guideline, len(candidates))
	for _, guideline := range candidates {
		byID[guideline.ID] = guideline
	}
	for _, prop := range append([]*Proposition(nil), order...) {
		edges, err := p.connections.ListBySource(ctx, prop.Guideline.ID, true)
		if err != nil {
			return nil, nil, err
		}
		for _, edge := range edges {
			if edge.Kind != models.ConnectionKindEntails {
				continue
			}
			if _, done := activated[edge.Target]; done {
				continue
			}
			target, known := byID[edge.Target]
			if !known {
				continue
			}
			entailed := &Proposition{
				Guideline: target,
				Score:     prop.Score,
				Rationale: fmt.Sprintf("entailed by: %s", prop.Guideline.Condition),
				ToolIDs:   state.Associations[target.ID],
			}
			activated[edge.Target] = entailed
			order = append(order, entailed)
		}
	}

	for _, prop := range order {
		if len(prop.ToolIDs) > 0 {
			toolEnabled = append(toolEnabled, prop)
		} else {
			ordinary = append(ordinary, prop)
		}
	}
	sort.SliceStable(ordinary, func(i, j int) bool { return ordinary[i].Score > ordinary[j].Score })
	sort.SliceStable(toolEnabled, func(i, j int) bool { return toolEnabled[i].Score > toolEnabled[j].Score })
	return ordinary, toolEnabled, nil
}

func (p *GuidelineProposer) evaluateBatch(ctx context.Context, state *InteractionState, batch []*models.Guideline) ([]guidelineDecision, error) {
	prompt := p.batchPrompt(state, batch)
	typed := generation.Typed[proposerSchema]{Inner: p.generator, Schema: proposerResponseSchema}
	out, _, err := typed.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return out.Decisions, nil
}

func (p *GuidelineProposer) batchPrompt(state *InteractionState, batch []*models.Guideline) string {
	var predicates strings.Builder
	predicates.WriteString("Predicates to evaluate:\n")
	for i, guideline := range batch {
		fmt.Fprintf(&predicates, "%d. when: %s  then: %s\n", i+1, guideline.Condition, guideline.Action)
	}

	instructions := fmt.Sprintf(`You are deciding which behavioral guidelines apply to the current state of a conversation.
For each numbered predicate decide whether its "when" condition currently holds.
Also judge whether the agent already applied the guideline in this conversation: "no", "partially", or "fully".
Respond with a JSON object:
{"decisions": [{"predicate": <1..%d>, "applies": <bool>, "score": <1..10>, "rationale": "<why>", "previously_applied": "no"|"partially"|"fully"}]}
Return one decision per predicate.`, len(batch))

	return joinSections(
		instructions,
		historySection(state.History),
		variablesSection(state.Variables),
		termsSection(state.Terms),
		predicates.String(),
	)
}
