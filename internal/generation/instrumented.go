package generation

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/observability"
)

// InstrumentedGenerator records latency and token metrics around an
// inner generator.
type InstrumentedGenerator struct {
	Inner   Generator
	Metrics *observability.Metrics
}

func (g *InstrumentedGenerator) Name() string { return g.Inner.Name() }

func (g *InstrumentedGenerator) Generate(ctx context.Context, prompt string) (*Result, error) {
	start := time.Now()
	result, err := g.Inner.Generate(ctx, prompt)
	if g.Metrics == nil {
		return result, err
	}

	backend := g.Inner.Name()
	status := "success"
	if err != nil {
		status = "error"
	}
	g.Metrics.GenerationDuration.WithLabelValues(backend, status).Observe(time.Since(start).Seconds())
	if result != nil {
		g.Metrics.GenerationTokens.WithLabelValues(backend, "prompt").Add(float64(result.Usage.InputTokens))
		g.Metrics.GenerationTokens.WithLabelValues(backend, "completion").Add(float64(result.Usage.OutputTokens))
	}
	return result, err
}
