package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// freshnessParser parses freshness rules: a six-field cron expression
// covering seconds through day-of-week.
var freshnessParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// VariableStore persists context variables and their per-key values.
type VariableStore struct {
	variables storage.Collection
	values    storage.Collection
}

// NewVariableStore creates a variable store on the given database.
func NewVariableStore(db storage.Database) *VariableStore {
	return &VariableStore{
		variables: db.Collection(collectionVariables),
		values:    db.Collection(collectionValues),
	}
}

// CreateVariable stores a new context variable. A non-empty
// freshnessRules expression is validated up front.
func (s *VariableStore) CreateVariable(ctx context.Context, variableSet, name, description string, toolID *models.ToolID, freshnessRules string) (*models.ContextVariable, error) {
	if freshnessRules != "" {
		if _, err := freshnessParser.Parse(freshnessRules); err != nil {
			return nil, fmt.Errorf("invalid freshness rules %q: %w", freshnessRules, err)
		}
	}
	variable := &models.ContextVariable{
		ID:             uuid.NewString(),
		VariableSet:    variableSet,
		Name:           name,
		Description:    description,
		ToolID:         toolID,
		FreshnessRules: freshnessRules,
		CreationUTC:    time.Now().UTC(),
	}
	doc, err := toDocument(variable)
	if err != nil {
		return nil, err
	}
	if err := s.variables.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return variable, nil
}

// ReadVariable loads one variable or storage.ErrNotFound.
func (s *VariableStore) ReadVariable(ctx context.Context, id string) (*models.ContextVariable, error) {
	doc, err := s.variables.FindOne(ctx, storage.ByID(id))
	if err != nil {
		return nil, err
	}
	var variable models.ContextVariable
	if err := fromDocument(doc, &variable); err != nil {
		return nil, err
	}
	return &variable, nil
}

// ListVariables returns a set's variables.
func (s *VariableStore) ListVariables(ctx context.Context, variableSet string) ([]*models.ContextVariable, error) {
	docs, err := s.variables.Find(ctx, storage.Filter{"variable_set": eq(variableSet)})
	if err != nil {
		return nil, err
	}
	variables := make([]*models.ContextVariable, 0, len(docs))
	for _, doc := range docs {
		var variable models.ContextVariable
		if err := fromDocument(doc, &variable); err != nil {
			return nil, err
		}
		variables = append(variables, &variable)
	}
	return variables, nil
}

// DeleteVariable removes a variable and its values.
func (s *VariableStore) DeleteVariable(ctx context.Context, id string) error {
	if _, err := s.variables.DeleteOne(ctx, storage.ByID(id)); err != nil {
		return err
	}
	for {
		_, err := s.values.DeleteOne(ctx, storage.Filter{"variable_id": eq(id)})
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReadValue loads the stored value for (variable, key) or
// storage.ErrNotFound.
func (s *VariableStore) ReadValue(ctx context.Context, variableID, key string) (*models.ContextVariableValue, error) {
	doc, err := s.values.FindOne(ctx, valueFilter(variableID, key))
	if err != nil {
		return nil, err
	}
	var value models.ContextVariableValue
	if err := fromDocument(doc, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

// WriteValue upserts the value for (variable, key).
func (s *VariableStore) WriteValue(ctx context.Context, variableID, key string, data json.RawMessage) (*models.ContextVariableValue, error) {
	value := &models.ContextVariableValue{
		ID:           uuid.NewString(),
		VariableID:   variableID,
		Key:          key,
		Data:         data,
		LastModified: time.Now().UTC(),
	}
	if existing, err := s.ReadValue(ctx, variableID, key); err == nil {
		value.ID = existing.ID
	} else if err != storage.ErrNotFound {
		return nil, err
	}
	doc, err := toDocument(value)
	if err != nil {
		return nil, err
	}
	if _, err := s.values.UpdateOne(ctx, valueFilter(variableID, key), doc, true); err != nil {
		return nil, err
	}
	return value, nil
}

func valueFilter(variableID, key string) storage.Filter {
	return storage.Filter{"$and": []storage.Filter{
		{"variable_id": eq(variableID)},
		{"key": eq(key)},
	}}
}

// FreshnessDue reports whether a variable's value must be re-evaluated.
// Variables without freshness rules refresh only when no value exists.
func FreshnessDue(variable *models.ContextVariable, lastModified time.Time, now time.Time) bool {
	if variable.FreshnessRules == "" {
		return false
	}
	schedule, err := freshnessParser.Parse(variable.FreshnessRules)
	if err != nil {
		return false
	}
	// Due when a scheduled instant has passed since the last refresh.
	next := schedule.Next(lastModified)
	return !next.After(now)
}
