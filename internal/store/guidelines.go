package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// GuidelineStore persists guidelines.
type GuidelineStore struct {
	coll storage.Collection
}

// NewGuidelineStore creates a guideline store on the given database.
func NewGuidelineStore(db storage.Database) *GuidelineStore {
	return &GuidelineStore{coll: db.Collection(collectionGuidelines)}
}

// CreateGuideline stores a new condition/action rule in the given set
// (an agent id).
func (s *GuidelineStore) CreateGuideline(ctx context.Context, guidelineSet, condition, action string) (*models.Guideline, error) {
	guideline := &models.Guideline{
		ID:           uuid.NewString(),
		GuidelineSet: guidelineSet,
		Condition:    condition,
		Action:       action,
		CreationUTC:  time.Now().UTC(),
	}
	doc, err := toDocument(guideline)
	if err != nil {
		return nil, err
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return guideline, nil
}

// ReadGuideline loads one guideline or storage.ErrNotFound.
func (s *GuidelineStore) ReadGuideline(ctx context.Context, id string) (*models.Guideline, error) {
	doc, err := s.coll.FindOne(ctx, storage.ByID(id))
	if err != nil {
		return nil, err
	}
	var guideline models.Guideline
	if err := fromDocument(doc, &guideline); err != nil {
		return nil, err
	}
	return &guideline, nil
}

// ListGuidelines returns a set's guidelines ordered by creation time.
func (s *GuidelineStore) ListGuidelines(ctx context.Context, guidelineSet string) ([]*models.Guideline, error) {
	docs, err := s.coll.Find(ctx, storage.Filter{"guideline_set": eq(guidelineSet)})
	if err != nil {
		return nil, err
	}
	guidelines := make([]*models.Guideline, 0, len(docs))
	for _, doc := range docs {
		var guideline models.Guideline
		if err := fromDocument(doc, &guideline); err != nil {
			return nil, err
		}
		guidelines = append(guidelines, &guideline)
	}
	sort.Slice(guidelines, func(i, j int) bool {
		return guidelines[i].CreationUTC.Before(guidelines[j].CreationUTC)
	})
	return guidelines, nil
}

// DeleteGuideline removes a guideline.
func (s *GuidelineStore) DeleteGuideline(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, storage.ByID(id))
	return err
}
