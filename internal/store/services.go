package store

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// ServiceStore persists tool service registrations, keyed by name.
type ServiceStore struct {
	coll storage.Collection
}

// NewServiceStore creates a service store on the given database.
func NewServiceStore(db storage.Database) *ServiceStore {
	return &ServiceStore{coll: db.Collection(collectionServices)}
}

// UpsertRegistration stores or replaces a registration.
func (s *ServiceStore) UpsertRegistration(ctx context.Context, reg *models.ServiceRegistration) error {
	if reg.CreationUTC.IsZero() {
		reg.CreationUTC = time.Now().UTC()
	}
	stored := *reg
	doc, err := toDocument(serviceDocument{ID: stored.Name, ServiceRegistration: stored})
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx, storage.ByID(reg.Name), doc, true)
	return err
}

// ReadRegistration loads a registration by service name.
func (s *ServiceStore) ReadRegistration(ctx context.Context, name string) (*models.ServiceRegistration, error) {
	doc, err := s.coll.FindOne(ctx, storage.ByID(name))
	if err != nil {
		return nil, err
	}
	var stored serviceDocument
	if err := fromDocument(doc, &stored); err != nil {
		return nil, err
	}
	reg := stored.ServiceRegistration
	return &reg, nil
}

// ListRegistrations returns every registration.
func (s *ServiceStore) ListRegistrations(ctx context.Context) ([]*models.ServiceRegistration, error) {
	docs, err := s.coll.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ServiceRegistration, 0, len(docs))
	for _, doc := range docs {
		var stored serviceDocument
		if err := fromDocument(doc, &stored); err != nil {
			return nil, err
		}
		reg := stored.ServiceRegistration
		out = append(out, &reg)
	}
	return out, nil
}

// DeleteRegistration removes a registration by name.
func (s *ServiceStore) DeleteRegistration(ctx context.Context, name string) error {
	_, err := s.coll.DeleteOne(ctx, storage.ByID(name))
	return err
}

// serviceDocument adds the document id (the service name) to the
// registration payload.
type serviceDocument struct {
	ID string `json:"id"`
	models.ServiceRegistration
}
