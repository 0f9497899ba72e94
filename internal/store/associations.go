package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// AssociationStore persists guideline-to-tool associations.
type AssociationStore struct {
	coll storage.Collection
}

// NewAssociationStore creates an association store on the given database.
func NewAssociationStore(db storage.Database) *AssociationStore {
	return &AssociationStore{coll: db.Collection(collectionAssociations)}
}

// CreateAssociation links a guideline to a tool.
func (s *AssociationStore) CreateAssociation(ctx context.Context, guidelineID string, toolID models.ToolID) (*models.GuidelineToolAssociation, error) {
	assoc := &models.GuidelineToolAssociation{
		ID:          uuid.NewString(),
		GuidelineID: guidelineID,
		ToolID:      toolID,
		CreationUTC: time.Now().UTC(),
	}
	doc, err := toDocument(assoc)
	if err != nil {
		return nil, err
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return assoc, nil
}

// ListForGuideline returns the tools associated with one guideline.
func (s *AssociationStore) ListForGuideline(ctx context.Context, guidelineID string) ([]*models.GuidelineToolAssociation, error) {
	docs, err := s.coll.Find(ctx, storage.Filter{"guideline_id": eq(guidelineID)})
	if err != nil {
		return nil, err
	}
	return decodeAssociations(docs)
}

// ListAssociations returns every association.
func (s *AssociationStore) ListAssociations(ctx context.Context) ([]*models.GuidelineToolAssociation, error) {
	docs, err := s.coll.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	return decodeAssociations(docs)
}

// DeleteAssociation removes one association.
func (s *AssociationStore) DeleteAssociation(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, storage.ByID(id))
	return err
}

// DeleteForGuideline removes every association of a guideline.
func (s *AssociationStore) DeleteForGuideline(ctx context.Context, guidelineID string) error {
	for {
		_, err := s.coll.DeleteOne(ctx, storage.Filter{"guideline_id": eq(guidelineID)})
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func decodeAssociations(docs []storage.Document) ([]*models.GuidelineToolAssociation, error) {
	out := make([]*models.GuidelineToolAssociation, 0, len(docs))
	for _, doc := range docs {
		var assoc models.GuidelineToolAssociation
		if err := fromDocument(doc, &assoc); err != nil {
			return nil, err
		}
		out = append(out, &assoc)
	}
	return out, nil
}
