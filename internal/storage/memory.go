package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryDatabase is an in-memory Database for tests and local runs.
type MemoryDatabase struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
}

// NewMemoryDatabase creates an empty in-memory database with its
// metadata document initialized.
func NewMemoryDatabase() *MemoryDatabase {
	db := &MemoryDatabase{collections: make(map[string]*memoryCollection)}
	meta := db.Collection(MetadataCollection)
	_ = meta.InsertOne(context.Background(), Document{"id": "metadata", "version": SchemaVersion})
	return db
}

// Collection returns the named collection, creating it on first use.
func (db *MemoryDatabase) Collection(name string) Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	if !ok {
		c = &memoryCollection{}
		db.collections[name] = c
	}
	return c
}

// Close is a no-op for the in-memory database.
func (db *MemoryDatabase) Close() error {
	return nil
}

// memoryCollection stores documents in insertion order under a
// reader/writer lock.
type memoryCollection struct {
	mu   sync.RWMutex
	docs []Document
}

func (c *memoryCollection) InsertOne(ctx context.Context, doc Document) error {
	id := DocumentID(doc)
	if id == "" {
		return fmt.Errorf("document has no id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.docs {
		if DocumentID(existing) == id {
			return ErrAlreadyExists
		}
	}
	c.docs = append(c.docs, cloneDocument(doc))
	return nil
}

func (c *memoryCollection) Find(ctx context.Context, filter Filter) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Document
	for _, doc := range c.docs {
		if Matches(filter, doc) {
			out = append(out, cloneDocument(doc))
		}
	}
	return out, nil
}

func (c *memoryCollection) FindOne(ctx context.Context, filter Filter) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, doc := range c.docs {
		if Matches(filter, doc) {
			return cloneDocument(doc), nil
		}
	}
	return nil, ErrNotFound
}

func (c *memoryCollection) UpdateOne(ctx context.Context, filter Filter, doc Document, upsert bool) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.docs {
		if Matches(filter, existing) {
			c.docs[i] = cloneDocument(doc)
			return cloneDocument(doc), nil
		}
	}
	if !upsert {
		return nil, ErrNotFound
	}
	if DocumentID(doc) == "" {
		return nil, fmt.Errorf("document has no id")
	}
	c.docs = append(c.docs, cloneDocument(doc))
	return cloneDocument(doc), nil
}

func (c *memoryCollection) DeleteOne(ctx context.Context, filter Filter) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.docs {
		if Matches(filter, existing) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return existing, nil
		}
	}
	return nil, ErrNotFound
}

// snapshot returns a copy of the collection contents in insertion order.
func (c *memoryCollection) snapshot() []Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Document, len(c.docs))
	for i, doc := range c.docs {
		out[i] = cloneDocument(doc)
	}
	return out
}

func cloneDocument(doc Document) Document {
	clone := make(Document, len(doc))
	for k, v := range doc {
		clone[k] = v
	}
	return clone
}
