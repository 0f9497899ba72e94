package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// Pipeline runs one processing task: load state, iterate proposal and
// tool calling, produce the reply. All output stays in the staging
// emitter; the caller decides whether it is published.
type Pipeline struct {
	loader   *StateLoader
	proposer *GuidelineProposer
	caller   *ToolCaller
	producer *MessageProducer
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewPipeline wires the pipeline components. A nil logger discards logs.
func NewPipeline(loader *StateLoader, proposer *GuidelineProposer, caller *ToolCaller, producer *MessageProducer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		loader:   loader,
		proposer: proposer,
		caller:   caller,
		producer: producer,
		logger:   logger,
	}
}

// SetMetrics attaches runtime metrics. Call before serving traffic.
func (p *Pipeline) SetMetrics(m *observability.Metrics) { p.metrics = m }

// Process runs the pipeline for one triggering client event and returns
// the staged events in emission order. An error (cancellation included)
// means nothing should be persisted for the task.
func (p *Pipeline) Process(ctx context.Context, agent *models.Agent, session *models.Session, correlationID string) ([]models.EmittedEvent, error) {
	ctx, span := otel.Tracer("parley").Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("correlation.id", correlationID),
	))
	defer span.End()

	staged, err := p.run(ctx, agent, session, correlationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return staged, err
}

func (p *Pipeline) run(ctx context.Context, agent *models.Agent, session *models.Session, correlationID string) ([]models.EmittedEvent, error) {
	state, err := p.loader.Load(ctx, agent, session)
	if err != nil {
		return nil, err
	}
	emitter := NewStagingEmitter(correlationID)

	var ordinary, toolEnabled []*Proposition
	iterations := 0
	for iteration := 1; iteration <= agent.EffectiveMaxIterations(); iteration++ {
		iterations = iteration
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ordinary, toolEnabled, err = p.proposer.Propose(ctx, state)
		if err != nil {
			return nil, err
		}
		if len(toolEnabled) == 0 {
			break
		}
		calls, err := p.caller.Call(ctx, state, ordinary, toolEnabled, emitter, emitter.Staged())
		if err != nil {
			return nil, err
		}
		if calls == 0 {
			break
		}
		p.logger.Debug("pipeline iteration ran tools",
			"session_id", session.ID,
			"iteration", iteration,
			"calls", calls)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.PipelineIterations.Observe(float64(iterations))
	}
	if err := p.producer.Produce(ctx, state, ordinary, toolEnabled, emitter.Staged(), emitter); err != nil {
		return nil, err
	}
	return emitter.Staged(), nil
}
