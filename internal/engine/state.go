package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// maxRelevantTerms caps how many glossary terms one prompt carries.
const maxRelevantTerms = 10

// VariableValue pairs a context variable with its current value for the
// session's end user.
type VariableValue struct {
	Variable *models.ContextVariable
	Value    *models.ContextVariableValue
}

// InteractionState is everything the pipeline reads about one session
// before its first iteration.
type InteractionState struct {
	Agent   *models.Agent
	Session *models.Session

	// History holds the session's non-deleted events in offset order.
	History []*models.Event

	Terms        []*models.Term
	Guidelines   []*models.Guideline
	Variables    []*VariableValue
	Associations map[string][]models.ToolID
}

// StateLoader assembles interaction state from the stores, refreshing
// stale context-variable values through their tools on the way.
type StateLoader struct {
	sessions     *store.SessionStore
	guidelines   *store.GuidelineStore
	associations *store.AssociationStore
	variables    *store.VariableStore
	glossary     *store.GlossaryStore
	registry     *tools.ServiceRegistry
	logger       *slog.Logger

	now func() time.Time
}

// NewStateLoader wires a loader. A nil logger discards logs.
func NewStateLoader(
	sessions *store.SessionStore,
	guidelines *store.GuidelineStore,
	associations *store.AssociationStore,
	variables *store.VariableStore,
	glossary *store.GlossaryStore,
	registry *tools.ServiceRegistry,
	logger *slog.Logger,
) *StateLoader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StateLoader{
		sessions:     sessions,
		guidelines:   guidelines,
		associations: associations,
		variables:    variables,
		glossary:     glossary,
		registry:     registry,
		logger:       logger,
		now:          time.Now,
	}
}

// Load reads the full interaction state for one processing task.
func (l *StateLoader) Load(ctx context.Context, agent *models.Agent, session *models.Session) (*InteractionState, error) {
	history, err := l.sessions.ListEvents(ctx, session.ID, store.ListEventsOptions{})
	if err != nil {
		return nil, err
	}
	guidelines, err := l.guidelines.ListGuidelines(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	terms, err := l.loadTerms(ctx, agent, history)
	if err != nil {
		return nil, err
	}
	variables, err := l.loadVariables(ctx, agent, session)
	if err != nil {
		return nil, err
	}

	associations := make(map[string][]models.ToolID)
	for _, guideline := range guidelines {
		assocs, err := l.associations.ListForGuideline(ctx, guideline.ID)
		if err != nil {
			return nil, err
		}
		for _, assoc := range assocs {
			associations[guideline.ID] = append(associations[guideline.ID], assoc.ToolID)
		}
	}

	return &InteractionState{
		Agent:        agent,
		Session:      session,
		History:      history,
		Terms:        terms,
		Guidelines:   guidelines,
		Variables:    variables,
		Associations: associations,
	}, nil
}

// loadTerms ranks the agent's glossary against the latest customer
// message and keeps the closest terms. Before the first customer message
// there is nothing to rank against, so the full set loads.
func (l *StateLoader) loadTerms(ctx context.Context, agent *models.Agent, history []*models.Event) ([]*models.Term, error) {
	query := latestCustomerMessage(history)
	if query == "" {
		return l.glossary.ListTerms(ctx, agent.ID)
	}
	return l.glossary.FindRelevantTerms(ctx, agent.ID, query, maxRelevantTerms)
}

func latestCustomerMessage(history []*models.Event) string {
	for i := len(history) - 1; i >= 0; i-- {
		event := history[i]
		if event.Source != models.EventSourceCustomer || event.Kind != models.EventKindMessage {
			continue
		}
		var data models.MessageEventData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			continue
		}
		return data.Message
	}
	return ""
}

// loadVariables reads each variable's value for the session's end user,
// refreshing through the variable's tool when no value exists or the
// freshness schedule says it is stale.
func (l *StateLoader) loadVariables(ctx context.Context, agent *models.Agent, session *models.Session) ([]*VariableValue, error) {
	variables, err := l.variables.ListVariables(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*VariableValue, 0, len(variables))
	for _, variable := range variables {
		value, err := l.variables.ReadValue(ctx, variable.ID, session.EndUserID)
		switch {
		case err == storage.ErrNotFound:
			value = nil
		case err != nil:
			return nil, err
		}

		stale := value == nil || store.FreshnessDue(variable, value.LastModified, l.now())
		if stale && variable.ToolID != nil {
			refreshed, err := l.refreshVariable(ctx, agent, session, variable)
			if err != nil {
				// A failed refresh falls back to the stale value.
				l.logger.Warn("context variable refresh failed",
					"variable", variable.Name,
					"error", err)
			} else {
				value = refreshed
			}
		}
		out = append(out, &VariableValue{Variable: variable, Value: value})
	}
	return out, nil
}

func (l *StateLoader) refreshVariable(ctx context.Context, agent *models.Agent, session *models.Session, variable *models.ContextVariable) (*models.ContextVariableValue, error) {
	tc := &tools.ToolContext{AgentID: agent.ID, SessionID: session.ID}
	result, err := l.registry.CallTool(ctx, *variable.ToolID, tc, map[string]json.RawMessage{})
	if err != nil {
		return nil, err
	}
	return l.variables.WriteValue(ctx, variable.ID, session.EndUserID, result.Data)
}
