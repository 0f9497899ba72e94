// Package dispatch schedules processing tasks per session: one task
// runs at a time for a session, a newer task cancels pending
// predecessors, and sessions run concurrently with no coordination
// between them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// DefaultGCInterval rate-limits the best-effort reaping of finished
// task handles.
const DefaultGCInterval = 5 * time.Second

// task is one scheduled pipeline run.
type task struct {
	correlationID string
	cancel        context.CancelFunc
	done          chan struct{}

	// err is set before done closes and read only after.
	err error
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Dispatcher is the runtime's front door: it appends client events,
// schedules pipeline tasks, and lets consumers wait for new events.
type Dispatcher struct {
	agents    *store.AgentStore
	sessions  *store.SessionStore
	pipeline  *engine.Pipeline
	publisher *engine.Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics

	gcInterval time.Duration

	mu     sync.Mutex
	queues map[string][]*task
	lastGC time.Time
	closed bool
	wg     sync.WaitGroup

	notifyMu sync.Mutex
	notify   chan struct{}
}

// NewDispatcher wires a dispatcher. A nil logger discards logs; a
// non-positive gcInterval falls back to the default.
func NewDispatcher(agents *store.AgentStore, sessions *store.SessionStore, pipeline *engine.Pipeline, gcInterval time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if gcInterval <= 0 {
		gcInterval = DefaultGCInterval
	}
	d := &Dispatcher{
		agents:     agents,
		sessions:   sessions,
		pipeline:   pipeline,
		logger:     logger,
		gcInterval: gcInterval,
		queues:     make(map[string][]*task),
		notify:     make(chan struct{}),
	}
	d.publisher = engine.NewPublisher(sessions, d.onPersist)
	return d
}

// SetMetrics attaches runtime metrics. Call before serving traffic.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) { d.metrics = m }

func (d *Dispatcher) onPersist(event *models.Event) {
	if d.metrics != nil {
		d.metrics.EventCounter.WithLabelValues(string(event.Source), string(event.Kind)).Inc()
	}
	d.broadcast()
}

// broadcast wakes every waiter.
func (d *Dispatcher) broadcast() {
	d.notifyMu.Lock()
	close(d.notify)
	d.notify = make(chan struct{})
	d.notifyMu.Unlock()
}

// updates returns the channel the next broadcast will close.
func (d *Dispatcher) updates() <-chan struct{} {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	return d.notify
}

// PostClientEvent appends a customer event under a fresh correlation id
// and, for sessions in auto mode, schedules a processing task.
func (d *Dispatcher) PostClientEvent(ctx context.Context, sessionID string, kind models.EventKind, data json.RawMessage) (*models.Event, error) {
	d.maybeGC(false)

	session, err := d.sessions.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()
	event, err := d.sessions.AppendEvent(ctx, sessionID, models.EventSourceCustomer, kind, correlationID, data)
	if err != nil {
		return nil, err
	}
	d.onPersist(event)

	if session.Mode == models.SessionModeAuto {
		if err := d.schedule(session.AgentID, sessionID, correlationID); err != nil {
			return nil, err
		}
	}
	return event, nil
}

// schedule enqueues a task for the session, cancelling every pending
// predecessor. The task starts once its predecessors have unwound.
func (d *Dispatcher) schedule(agentID, sessionID, correlationID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("dispatcher is shut down")
	}
	predecessors := d.queues[sessionID]
	for _, pred := range predecessors {
		if !pred.finished() && d.metrics != nil {
			d.metrics.TasksCancelled.Inc()
		}
		pred.cancel()
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		correlationID: correlationID,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	d.queues[sessionID] = append(d.queues[sessionID], t)
	await := make([]*task, len(predecessors))
	copy(await, predecessors)
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer close(t.done)
		for _, pred := range await {
			<-pred.done
		}
		if d.metrics != nil {
			d.metrics.ActiveTasks.Inc()
			defer d.metrics.ActiveTasks.Dec()
		}
		t.err = d.runTask(taskCtx, agentID, sessionID, correlationID)
	}()
	return nil
}

// runTask executes the pipeline and publishes its staged events. A
// cancelled task unwinds silently; a failed one logs and persists
// nothing.
func (d *Dispatcher) runTask(ctx context.Context, agentID, sessionID, correlationID string) error {
	agent, err := d.agents.ReadAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	session, err := d.sessions.ReadSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	staged, err := d.pipeline.Process(ctx, agent, session, correlationID)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		d.logger.Error("processing task failed",
			"session_id", sessionID,
			"correlation_id", correlationID,
			"error", err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return nil
	}

	// Publication is not interruptible: a half-persisted turn is worse
	// than a late cancellation.
	publishCtx := context.WithoutCancel(ctx)
	if _, err := d.publisher.Publish(publishCtx, sessionID, staged); err != nil {
		d.logger.Error("publishing staged events failed",
			"session_id", sessionID,
			"correlation_id", correlationID,
			"error", err)
		return err
	}
	return nil
}

// WaitForUpdate blocks until the session has an event with offset at or
// above minOffset matching kinds, the timeout elapses (false), or ctx
// is cancelled.
func (d *Dispatcher) WaitForUpdate(ctx context.Context, sessionID string, minOffset int, kinds []models.EventKind, timeout time.Duration) (bool, error) {
	d.maybeGC(false)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		updates := d.updates()
		events, err := d.sessions.ListEvents(ctx, sessionID, store.ListEventsOptions{
			MinOffset: minOffset,
			Kinds:     kinds,
		})
		if err != nil {
			return false, err
		}
		if len(events) > 0 {
			return true, nil
		}
		select {
		case <-updates:
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// UpdateConsumptionOffset records a consumer's acknowledged offset.
func (d *Dispatcher) UpdateConsumptionOffset(ctx context.Context, sessionID, consumerID string, offset int) error {
	d.maybeGC(false)
	return d.sessions.UpdateConsumptionOffset(ctx, sessionID, consumerID, offset)
}

// maybeGC reaps finished task handles, surfacing their errors to the
// log, and drops empty queues. Runs at most once per interval unless
// forced.
func (d *Dispatcher) maybeGC(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if !force && now.Sub(d.lastGC) < d.gcInterval {
		return
	}
	d.lastGC = now

	for sessionID, queue := range d.queues {
		remaining := queue[:0]
		for _, t := range queue {
			if !t.finished() {
				remaining = append(remaining, t)
				continue
			}
			if t.err != nil {
				d.logger.Error("reaped failed task",
					"session_id", sessionID,
					"correlation_id", t.correlationID,
					"error", t.err)
			}
		}
		if len(remaining) == 0 {
			delete(d.queues, sessionID)
		} else {
			d.queues[sessionID] = remaining
		}
	}
}

// Shutdown stops accepting tasks, waits for in-flight ones, and forces
// a final drain. The context bounds the wait.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.maybeGC(true)
	return nil
}
