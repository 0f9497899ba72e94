package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

// SessionStore persists sessions and their event logs. Appends to one
// session's log are serialized under an exclusive per-session lock so
// offsets stay dense and strictly increasing.
type SessionStore struct {
	sessions storage.Collection
	events   storage.Collection

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionStore creates a session store on the given database.
func NewSessionStore(db storage.Database) *SessionStore {
	return &SessionStore{
		sessions: db.Collection(collectionSessions),
		events:   db.Collection(collectionEvents),
		locks:    make(map[string]*sessionLock),
	}
}

// lockSession acquires the per-session append lock and returns its
// release function. Locks are refcounted so idle sessions do not leak.
func (s *SessionStore) lockSession(sessionID string) func() {
	s.locksMu.Lock()
	lock := s.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(s.locks, sessionID)
		}
		s.locksMu.Unlock()
	}
}

// CreateSession stores a new session in auto mode.
func (s *SessionStore) CreateSession(ctx context.Context, agentID, endUserID, title string) (*models.Session, error) {
	session := &models.Session{
		ID:                 uuid.NewString(),
		AgentID:            agentID,
		EndUserID:          endUserID,
		Title:              title,
		Mode:               models.SessionModeAuto,
		ConsumptionOffsets: map[string]int{},
		CreationUTC:        time.Now().UTC(),
	}
	doc, err := toDocument(session)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return session, nil
}

// ReadSession loads one session or storage.ErrNotFound.
func (s *SessionStore) ReadSession(ctx context.Context, id string) (*models.Session, error) {
	doc, err := s.sessions.FindOne(ctx, storage.ByID(id))
	if err != nil {
		return nil, err
	}
	var session models.Session
	if err := fromDocument(doc, &session); err != nil {
		return nil, err
	}
	if session.ConsumptionOffsets == nil {
		session.ConsumptionOffsets = map[string]int{}
	}
	return &session, nil
}

// UpdateSession replaces a stored session.
func (s *SessionStore) UpdateSession(ctx context.Context, session *models.Session) error {
	doc, err := toDocument(session)
	if err != nil {
		return err
	}
	_, err = s.sessions.UpdateOne(ctx, storage.ByID(session.ID), doc, false)
	return err
}

// DeleteSession removes a session and every event it owns.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sessions.DeleteOne(ctx, storage.ByID(id)); err != nil {
		return err
	}
	release := s.lockSession(id)
	defer release()
	for {
		_, err := s.events.DeleteOne(ctx, storage.Filter{"session_id": eq(id)})
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// UpdateConsumptionOffset records the highest offset a consumer has
// acknowledged. The setter is idempotent.
func (s *SessionStore) UpdateConsumptionOffset(ctx context.Context, sessionID, consumerID string, offset int) error {
	session, err := s.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.ConsumptionOffsets[consumerID] = offset
	return s.UpdateSession(ctx, session)
}

// SetMode switches a session between auto and manual.
func (s *SessionStore) SetMode(ctx context.Context, sessionID string, mode models.SessionMode) error {
	session, err := s.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Mode = mode
	return s.UpdateSession(ctx, session)
}

// AppendEvent persists one event at the session's next offset. Offsets
// are 0-based and dense, counting logically deleted events too.
func (s *SessionStore) AppendEvent(ctx context.Context, sessionID string, source models.EventSource, kind models.EventKind, correlationID string, data json.RawMessage) (*models.Event, error) {
	release := s.lockSession(sessionID)
	defer release()

	existing, err := s.events.Find(ctx, storage.Filter{"session_id": eq(sessionID)})
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Source:        source,
		Kind:          kind,
		Offset:        len(existing),
		CorrelationID: correlationID,
		CreationUTC:   time.Now().UTC(),
		Data:          data,
	}
	doc, err := toDocument(event)
	if err != nil {
		return nil, err
	}
	if err := s.events.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return event, nil
}

// ListEventsOptions narrows ListEvents results.
type ListEventsOptions struct {
	// MinOffset, when >= 0, keeps only events at or above the offset.
	MinOffset int

	// Kinds, when non-empty, keeps only the listed kinds.
	Kinds []models.EventKind

	// Source, when non-empty, keeps only one source.
	Source models.EventSource
}

// ListEvents returns a session's non-deleted events in offset order.
func (s *SessionStore) ListEvents(ctx context.Context, sessionID string, opts ListEventsOptions) ([]*models.Event, error) {
	docs, err := s.events.Find(ctx, storage.Filter{"session_id": eq(sessionID)})
	if err != nil {
		return nil, err
	}
	kinds := make(map[models.EventKind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kinds[k] = true
	}

	events := make([]*models.Event, 0, len(docs))
	for _, doc := range docs {
		var event models.Event
		if err := fromDocument(doc, &event); err != nil {
			return nil, err
		}
		if event.Deleted {
			continue
		}
		if event.Offset < opts.MinOffset {
			continue
		}
		if len(kinds) > 0 && !kinds[event.Kind] {
			continue
		}
		if opts.Source != "" && event.Source != opts.Source {
			continue
		}
		events = append(events, &event)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Offset < events[j].Offset
	})
	return events, nil
}

// DeleteEvent logically removes an event; its offset stays occupied.
func (s *SessionStore) DeleteEvent(ctx context.Context, eventID string) error {
	doc, err := s.events.FindOne(ctx, storage.ByID(eventID))
	if err != nil {
		return err
	}
	doc["deleted"] = true
	_, err = s.events.UpdateOne(ctx, storage.ByID(eventID), doc, false)
	return err
}
