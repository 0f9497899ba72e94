package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// AgentStore persists agents.
type AgentStore struct {
	coll storage.Collection
}

// NewAgentStore creates an agent store on the given database.
func NewAgentStore(db storage.Database) *AgentStore {
	return &AgentStore{coll: db.Collection(collectionAgents)}
}

// CreateAgent mints an id and stores a new agent. A non-positive
// maxEngineIterations falls back to the default.
func (s *AgentStore) CreateAgent(ctx context.Context, name, description string, maxEngineIterations int) (*models.Agent, error) {
	if maxEngineIterations < 1 {
		maxEngineIterations = models.DefaultMaxEngineIterations
	}
	agent := &models.Agent{
		ID:                  uuid.NewString(),
		Name:                name,
		Description:         description,
		CreationUTC:         time.Now().UTC(),
		MaxEngineIterations: maxEngineIterations,
	}
	doc, err := toDocument(agent)
	if err != nil {
		return nil, err
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return agent, nil
}

// ReadAgent loads one agent or storage.ErrNotFound.
func (s *AgentStore) ReadAgent(ctx context.Context, id string) (*models.Agent, error) {
	doc, err := s.coll.FindOne(ctx, storage.ByID(id))
	if err != nil {
		return nil, err
	}
	var agent models.Agent
	if err := fromDocument(doc, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *AgentStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	docs, err := s.coll.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	agents := make([]*models.Agent, 0, len(docs))
	for _, doc := range docs {
		var agent models.Agent
		if err := fromDocument(doc, &agent); err != nil {
			return nil, err
		}
		agents = append(agents, &agent)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreationUTC.Before(agents[j].CreationUTC)
	})
	return agents, nil
}

// UpdateAgent replaces a stored agent.
func (s *AgentStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.MaxEngineIterations < 1 {
		agent.MaxEngineIterations = models.DefaultMaxEngineIterations
	}
	doc, err := toDocument(agent)
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx, storage.ByID(agent.ID), doc, false)
	return err
}

// DeleteAgent removes an agent.
func (s *AgentStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, storage.ByID(id))
	return err
}
