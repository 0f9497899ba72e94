package generation

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackGenerator tries a chain of backends in order and returns the
// first success. The last backend's error surfaces when all fail.
type FallbackGenerator struct {
	chain  []Generator
	logger *slog.Logger
}

// NewFallbackGenerator builds a chain. A nil logger discards logs.
func NewFallbackGenerator(logger *slog.Logger, chain ...Generator) *FallbackGenerator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FallbackGenerator{chain: chain, logger: logger}
}

// Name returns "fallback".
func (g *FallbackGenerator) Name() string { return "fallback" }

// Generate walks the chain until a backend succeeds.
func (g *FallbackGenerator) Generate(ctx context.Context, prompt string) (*Result, error) {
	if len(g.chain) == 0 {
		return nil, &GenerationError{Backend: g.Name(), Err: fmt.Errorf("no backends configured")}
	}
	var lastErr error
	for _, backend := range g.chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := backend.Generate(ctx, prompt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		g.logger.Warn("generation backend failed, trying next",
			"backend", backend.Name(),
			"error", err)
	}
	return nil, lastErr
}
