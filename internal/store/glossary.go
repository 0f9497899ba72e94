package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// GlossaryStore persists glossary terms and mirrors them into an
// embedded vector index for similarity search. The index key is the
// assembled "name[, synonyms]: description" string.
type GlossaryStore struct {
	coll     storage.Collection
	embedder embeddings.Provider

	mu  sync.Mutex
	db  *chromem.DB
	vec map[string]*chromem.Collection
}

// NewGlossaryStore creates a glossary store on the given database using
// the embedder for the vector index.
func NewGlossaryStore(db storage.Database, embedder embeddings.Provider) *GlossaryStore {
	return &GlossaryStore{
		coll:     db.Collection(collectionTerms),
		embedder: embedder,
		db:       chromem.NewDB(),
		vec:      make(map[string]*chromem.Collection),
	}
}

// vectorCollection returns the per-term-set vector collection. On first
// use it is created and rebuilt from the persisted terms, so a restarted
// process can search terms created before it.
func (s *GlossaryStore) vectorCollection(ctx context.Context, termSet string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.vec[termSet]; ok {
		return col, nil
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
	col, err := s.db.GetOrCreateCollection("terms_"+termSet, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create vector collection: %w", err)
	}

	docs, err := s.coll.Find(ctx, storage.Filter{"term_set": eq(termSet)})
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		seed := make([]chromem.Document, 0, len(docs))
		for _, doc := range docs {
			var term models.Term
			if err := fromDocument(doc, &term); err != nil {
				return nil, err
			}
			seed = append(seed, chromem.Document{
				ID:       term.ID,
				Content:  term.IndexText(),
				Metadata: map[string]string{"term_set": term.TermSet},
			})
		}
		if err := col.AddDocuments(ctx, seed, 1); err != nil {
			return nil, fmt.Errorf("rebuild vector collection: %w", err)
		}
	}

	s.vec[termSet] = col
	return col, nil
}

// CreateTerm stores a term and indexes it.
func (s *GlossaryStore) CreateTerm(ctx context.Context, termSet, name, description string, synonyms []string) (*models.Term, error) {
	term := &models.Term{
		ID:          uuid.NewString(),
		TermSet:     termSet,
		Name:        name,
		Description: description,
		Synonyms:    synonyms,
		CreationUTC: time.Now().UTC(),
	}
	doc, err := toDocument(term)
	if err != nil {
		return nil, err
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.indexTerm(ctx, term); err != nil {
		return nil, err
	}
	return term, nil
}

// UpdateTerm replaces a stored term and refreshes its index entry.
func (s *GlossaryStore) UpdateTerm(ctx context.Context, term *models.Term) error {
	doc, err := toDocument(term)
	if err != nil {
		return err
	}
	if _, err := s.coll.UpdateOne(ctx, storage.ByID(term.ID), doc, false); err != nil {
		return err
	}
	return s.indexTerm(ctx, term)
}

func (s *GlossaryStore) indexTerm(ctx context.Context, term *models.Term) error {
	col, err := s.vectorCollection(ctx, term.TermSet)
	if err != nil {
		return err
	}
	return col.AddDocuments(ctx, []chromem.Document{{
		ID:       term.ID,
		Content:  term.IndexText(),
		Metadata: map[string]string{"term_set": term.TermSet},
	}}, 1)
}

// ReadTerm loads one term or storage.ErrNotFound.
func (s *GlossaryStore) ReadTerm(ctx context.Context, id string) (*models.Term, error) {
	doc, err := s.coll.FindOne(ctx, storage.ByID(id))
	if err != nil {
		return nil, err
	}
	var term models.Term
	if err := fromDocument(doc, &term); err != nil {
		return nil, err
	}
	return &term, nil
}

// ListTerms returns a set's terms.
func (s *GlossaryStore) ListTerms(ctx context.Context, termSet string) ([]*models.Term, error) {
	docs, err := s.coll.Find(ctx, storage.Filter{"term_set": eq(termSet)})
	if err != nil {
		return nil, err
	}
	terms := make([]*models.Term, 0, len(docs))
	for _, doc := range docs {
		var term models.Term
		if err := fromDocument(doc, &term); err != nil {
			return nil, err
		}
		terms = append(terms, &term)
	}
	return terms, nil
}

// DeleteTerm removes a term from the store and the index.
func (s *GlossaryStore) DeleteTerm(ctx context.Context, id string) error {
	term, err := s.ReadTerm(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.coll.DeleteOne(ctx, storage.ByID(id)); err != nil {
		return err
	}
	col, err := s.vectorCollection(ctx, term.TermSet)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, id)
}

// FindRelevantTerms returns up to k terms ranked by similarity to the
// query.
func (s *GlossaryStore) FindRelevantTerms(ctx context.Context, termSet, query string, k int) ([]*models.Term, error) {
	col, err := s.vectorCollection(ctx, termSet)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query glossary index: %w", err)
	}
	terms := make([]*models.Term, 0, len(results))
	for _, r := range results {
		term, err := s.ReadTerm(ctx, r.ID)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, nil
}
