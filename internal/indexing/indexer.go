// Package indexing maintains the derived guideline connection graph. It
// tracks guideline checksums in a side file so that only new guidelines
// are re-examined, and asks the generator how guideline pairs relate.
package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/internal/generation"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// MinConnectionScore is the lowest proposed score that persists an
	// edge.
	MinConnectionScore = 6

	// DefaultPairBatchSize is how many guideline pairs one prompt covers.
	DefaultPairBatchSize = 10
)

// indexEntry records one guideline the indexer has already examined.
type indexEntry struct {
	GuidelineID string `json:"guideline_id"`
	Checksum    string `json:"checksum"`
}

// guidelinePair is a candidate connection between two guidelines.
type guidelinePair struct {
	First  *models.Guideline
	Second *models.Guideline
}

// pairDecision is the generator's verdict on one candidate pair.
type pairDecision struct {
	Pair      int    `json:"pair"`
	Connected bool   `json:"connected"`
	Direction string `json:"direction"`
	Kind      string `json:"kind"`
	Score     int    `json:"score"`
}

type connectionSchema struct {
	Decisions []pairDecision `json:"decisions"`
}

var connectionDecisionsSchema = jsonschema.MustCompileString("connection_decisions.json", `{
	"type": "object",
	"required": ["decisions"],
	"properties": {
		"decisions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["pair", "connected"],
				"properties": {
					"pair": {"type": "integer", "minimum": 1},
					"connected": {"type": "boolean"},
					"direction": {"type": "string"},
					"kind": {"type": "string"},
					"score": {"type": "integer"}
				}
			}
		}
	}
}`)

// GuidelineIndexer keeps the connection graph in step with the guideline
// stores, one agent's guideline set at a time.
type GuidelineIndexer struct {
	agents      *store.AgentStore
	guidelines  *store.GuidelineStore
	connections *store.ConnectionStore
	generator   generation.Generator
	logger      *slog.Logger

	indexPath string
	batchSize int

	mu sync.Mutex
}

// NewGuidelineIndexer creates an indexer persisting its checksum index
// at indexPath. A non-positive batchSize falls back to the default; a
// nil logger discards logs.
func NewGuidelineIndexer(agents *store.AgentStore, guidelines *store.GuidelineStore, connections *store.ConnectionStore, generator generation.Generator, indexPath string, batchSize int, logger *slog.Logger) *GuidelineIndexer {
	if batchSize < 1 {
		batchSize = DefaultPairBatchSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GuidelineIndexer{
		agents:      agents,
		guidelines:  guidelines,
		connections: connections,
		generator:   generator,
		logger:      logger,
		indexPath:   indexPath,
		batchSize:   batchSize,
	}
}

// classification splits an agent's guidelines against the stored index.
type classification struct {
	introduced []*models.Guideline
	existing   []*models.Guideline
	deleted    []indexEntry
}

func classify(entries []indexEntry, current []*models.Guideline) classification {
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		seen[entry.Checksum] = true
	}
	live := make(map[string]bool, len(current))

	var c classification
	for _, guideline := range current {
		checksum := guideline.ChecksumHex()
		live[checksum] = true
		if seen[checksum] {
			c.existing = append(c.existing, guideline)
		} else {
			c.introduced = append(c.introduced, guideline)
		}
	}
	for _, entry := range entries {
		if !live[entry.Checksum] {
			c.deleted = append(c.deleted, entry)
		}
	}
	return c
}

// ShouldIndex reports whether any agent has guidelines the index has
// not seen, or index entries whose guidelines are gone.
func (x *GuidelineIndexer) ShouldIndex(ctx context.Context) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	index, err := x.readIndex()
	if err != nil {
		return false, err
	}
	agents, err := x.agents.ListAgents(ctx)
	if err != nil {
		return false, fmt.Errorf("list agents: %w", err)
	}
	for _, agent := range agents {
		current, err := x.guidelines.ListGuidelines(ctx, agent.ID)
		if err != nil {
			return false, fmt.Errorf("list guidelines for %s: %w", agent.ID, err)
		}
		c := classify(index[agent.ID], current)
		if len(c.introduced) > 0 || len(c.deleted) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Index brings the connection graph up to date and rewrites the side
// index. Deleted guidelines lose all incident edges; introduced ones are
// crossed with the full current set and every sufficiently confident
// proposed edge is upserted.
func (x *GuidelineIndexer) Index(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	index, err := x.readIndex()
	if err != nil {
		return err
	}
	agents, err := x.agents.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	for _, agent := range agents {
		current, err := x.guidelines.ListGuidelines(ctx, agent.ID)
		if err != nil {
			return fmt.Errorf("list guidelines for %s: %w", agent.ID, err)
		}
		c := classify(index[agent.ID], current)

		for _, entry := range c.deleted {
			if err := x.connections.EraseConnectionsFor(ctx, entry.GuidelineID); err != nil {
				return fmt.Errorf("erase connections for %s: %w", entry.GuidelineID, err)
			}
		}
		if len(c.introduced) > 0 {
			if err := x.proposeConnections(ctx, c.introduced, append(c.introduced, c.existing...)); err != nil {
				return err
			}
		}

		entries := make([]indexEntry, 0, len(current))
		for _, guideline := range current {
			entries = append(entries, indexEntry{GuidelineID: guideline.ID, Checksum: guideline.ChecksumHex()})
		}
		index[agent.ID] = entries
		x.logger.Info("indexed guideline set",
			"agent_id", agent.ID,
			"introduced", len(c.introduced),
			"deleted", len(c.deleted))
	}

	return x.writeIndex(index)
}

// proposeConnections evaluates each introduced guideline against the
// candidate set and persists the confident edges.
func (x *GuidelineIndexer) proposeConnections(ctx context.Context, introduced, candidates []*models.Guideline) error {
	pairs := candidatePairs(introduced, candidates)
	for start := 0; start < len(pairs); start += x.batchSize {
		end := start + x.batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		if err := x.proposeBatch(ctx, pairs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// candidatePairs crosses introduced guidelines with the candidate set,
// skipping self pairs and deduplicating unordered pairs.
func candidatePairs(introduced, candidates []*models.Guideline) []guidelinePair {
	seen := make(map[string]bool)
	var pairs []guidelinePair
	for _, a := range introduced {
		for _, b := range candidates {
			if a.ID == b.ID {
				continue
			}
			key := a.ID + "|" + b.ID
			if b.ID < a.ID {
				key = b.ID + "|" + a.ID
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, guidelinePair{First: a, Second: b})
		}
	}
	return pairs
}

func (x *GuidelineIndexer) proposeBatch(ctx context.Context, batch []guidelinePair) error {
	typed := generation.Typed[connectionSchema]{Inner: x.generator, Schema: connectionDecisionsSchema}
	out, _, err := typed.Generate(ctx, x.batchPrompt(batch))
	if err != nil {
		return fmt.Errorf("propose connections: %w", err)
	}

	for _, decision := range out.Decisions {
		if decision.Pair < 1 || decision.Pair > len(batch) {
			return fmt.Errorf("connection proposer returned pair %d for a batch of %d", decision.Pair, len(batch))
		}
		if !decision.Connected || decision.Score < MinConnectionScore {
			continue
		}
		kind := models.ConnectionKind(decision.Kind)
		if kind != models.ConnectionKindEntails && kind != models.ConnectionKindSuggests {
			x.logger.Warn("connection proposer returned unknown kind", "kind", decision.Kind)
			continue
		}
		pair := batch[decision.Pair-1]
		source, target := pair.First, pair.Second
		if decision.Direction == "second_to_first" {
			source, target = target, source
		}
		if _, err := x.connections.UpdateConnection(ctx, source.ID, target.ID, kind); err != nil {
			return fmt.Errorf("upsert connection %s -> %s: %w", source.ID, target.ID, err)
		}
	}
	return nil
}

func (x *GuidelineIndexer) batchPrompt(batch []guidelinePair) string {
	var pairs strings.Builder
	pairs.WriteString("Guideline pairs to relate:\n")
	for i, pair := range batch {
		fmt.Fprintf(&pairs, "%d. first: when %s, then %s  second: when %s, then %s\n",
			i+1,
			pair.First.Condition, pair.First.Action,
			pair.Second.Condition, pair.Second.Action)
	}

	instructions := `You are analyzing behavioral guidelines of a conversational agent.
For each numbered pair, decide whether applying one guideline makes the other apply as well.
"entails" means the other guideline must then apply; "suggests" means it merely becomes more relevant.
Score your confidence from 1 to 10.
Respond with a JSON object:
{"decisions": [{"pair": <number>, "connected": <bool>, "direction": "first_to_second" | "second_to_first", "kind": "entails" | "suggests", "score": <1-10>}]}`

	return instructions + "\n\n" + pairs.String()
}

func (x *GuidelineIndexer) readIndex() (map[string][]indexEntry, error) {
	raw, err := os.ReadFile(x.indexPath)
	if os.IsNotExist(err) {
		return make(map[string][]indexEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read guideline index: %w", err)
	}
	index := make(map[string][]indexEntry)
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("decode guideline index: %w", err)
	}
	return index, nil
}

func (x *GuidelineIndexer) writeIndex(index map[string][]indexEntry) error {
	raw, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode guideline index: %w", err)
	}
	if dir := filepath.Dir(x.indexPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index directory: %w", err)
		}
	}
	if err := os.WriteFile(x.indexPath, raw, 0o644); err != nil {
		return fmt.Errorf("write guideline index: %w", err)
	}
	return nil
}
