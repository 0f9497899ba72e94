package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// ConnectionStore persists guideline connections and maintains the
// derived in-memory DAG index. One lock protects both the edge set and
// the adjacency maps; they always change together.
type ConnectionStore struct {
	coll storage.Collection

	mu       sync.RWMutex
	loaded   bool
	bySource map[string]map[string]*models.GuidelineConnection
	byTarget map[string]map[string]*models.GuidelineConnection
}

// NewConnectionStore creates a connection store on the given database.
func NewConnectionStore(db storage.Database) *ConnectionStore {
	return &ConnectionStore{
		coll:     db.Collection(collectionConnections),
		bySource: make(map[string]map[string]*models.GuidelineConnection),
		byTarget: make(map[string]map[string]*models.GuidelineConnection),
	}
}

// ensureLoaded populates the adjacency index from the collection once.
// Callers must hold the write lock.
func (s *ConnectionStore) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	docs, err := s.coll.Find(ctx, nil)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		var conn models.GuidelineConnection
		if err := fromDocument(doc, &conn); err != nil {
			return err
		}
		s.indexLocked(&conn)
	}
	s.loaded = true
	return nil
}

func (s *ConnectionStore) indexLocked(conn *models.GuidelineConnection) {
	if s.bySource[conn.Source] == nil {
		s.bySource[conn.Source] = make(map[string]*models.GuidelineConnection)
	}
	s.bySource[conn.Source][conn.Target] = conn
	if s.byTarget[conn.Target] == nil {
		s.byTarget[conn.Target] = make(map[string]*models.GuidelineConnection)
	}
	s.byTarget[conn.Target][conn.Source] = conn
}

func (s *ConnectionStore) unindexLocked(conn *models.GuidelineConnection) {
	if m := s.bySource[conn.Source]; m != nil {
		delete(m, conn.Target)
		if len(m) == 0 {
			delete(s.bySource, conn.Source)
		}
	}
	if m := s.byTarget[conn.Target]; m != nil {
		delete(m, conn.Source)
		if len(m) == 0 {
			delete(s.byTarget, conn.Target)
		}
	}
}

// UpdateConnection upserts the edge (source, target). At most one edge
// exists per pair; a second call refreshes its kind in place.
func (s *ConnectionStore) UpdateConnection(ctx context.Context, source, target string, kind models.ConnectionKind) (*models.GuidelineConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	conn := &models.GuidelineConnection{
		ID:          uuid.NewString(),
		Source:      source,
		Target:      target,
		Kind:        kind,
		CreationUTC: time.Now().UTC(),
	}
	if existing := s.bySource[source][target]; existing != nil {
		conn.ID = existing.ID
		conn.CreationUTC = existing.CreationUTC
	}

	doc, err := toDocument(conn)
	if err != nil {
		return nil, err
	}
	filter := storage.Filter{"$and": []storage.Filter{
		{"source": eq(source)},
		{"target": eq(target)},
	}}
	if _, err := s.coll.UpdateOne(ctx, filter, doc, true); err != nil {
		return nil, err
	}
	s.indexLocked(conn)
	return conn, nil
}

// DeleteConnection removes the edge (source, target).
func (s *ConnectionStore) DeleteConnection(ctx context.Context, source, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	conn := s.bySource[source][target]
	if conn == nil {
		return storage.ErrNotFound
	}
	filter := storage.Filter{"$and": []storage.Filter{
		{"source": eq(source)},
		{"target": eq(target)},
	}}
	if _, err := s.coll.DeleteOne(ctx, filter); err != nil {
		return err
	}
	s.unindexLocked(conn)
	return nil
}

// EraseConnectionsFor removes every edge touching the guideline, in
// either direction.
func (s *ConnectionStore) EraseConnectionsFor(ctx context.Context, guidelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	var doomed []*models.GuidelineConnection
	for _, conn := range s.bySource[guidelineID] {
		doomed = append(doomed, conn)
	}
	for _, conn := range s.byTarget[guidelineID] {
		doomed = append(doomed, conn)
	}
	for _, conn := range doomed {
		if _, err := s.coll.DeleteOne(ctx, storage.ByID(conn.ID)); err != nil && err != storage.ErrNotFound {
			return err
		}
		s.unindexLocked(conn)
	}
	return nil
}

// ListBySource returns edges out of the guideline. With indirect set the
// result covers the transitive closure, discovered breadth-first.
func (s *ConnectionStore) ListBySource(ctx context.Context, source string, indirect bool) ([]*models.GuidelineConnection, error) {
	s.mu.Lock()
	if err := s.ensureLoaded(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !indirect {
		return s.directLocked(s.bySource[source]), nil
	}
	return s.closureLocked(source, s.bySource, func(c *models.GuidelineConnection) string {
		return c.Target
	}), nil
}

// ListByTarget returns edges into the guideline, optionally transitive.
func (s *ConnectionStore) ListByTarget(ctx context.Context, target string, indirect bool) ([]*models.GuidelineConnection, error) {
	s.mu.Lock()
	if err := s.ensureLoaded(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !indirect {
		return s.directLocked(s.byTarget[target]), nil
	}
	return s.closureLocked(target, s.byTarget, func(c *models.GuidelineConnection) string {
		return c.Source
	}), nil
}

func (s *ConnectionStore) directLocked(edges map[string]*models.GuidelineConnection) []*models.GuidelineConnection {
	out := make([]*models.GuidelineConnection, 0, len(edges))
	for _, conn := range edges {
		copied := *conn
		out = append(out, &copied)
	}
	return out
}

// closureLocked walks the adjacency map breadth-first from start,
// collecting every reachable edge once.
func (s *ConnectionStore) closureLocked(start string, adjacency map[string]map[string]*models.GuidelineConnection, next func(*models.GuidelineConnection) string) []*models.GuidelineConnection {
	var out []*models.GuidelineConnection
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, conn := range adjacency[node] {
			copied := *conn
			out = append(out, &copied)
			hop := next(conn)
			if !seen[hop] {
				seen[hop] = true
				queue = append(queue, hop)
			}
		}
	}
	return out
}
