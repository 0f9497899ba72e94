package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONFileDatabase persists collections as a single JSON file. The whole
// database loads on open and rewrites on every mutation; it targets small
// local deployments, not throughput.
type JSONFileDatabase struct {
	path string

	mu          sync.Mutex
	collections map[string]*jsonFileCollection
}

// NewJSONFileDatabase opens (or creates) the database at path.
func NewJSONFileDatabase(path string) (*JSONFileDatabase, error) {
	db := &JSONFileDatabase{
		path:        path,
		collections: make(map[string]*jsonFileCollection),
	}
	if err := db.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	meta := db.Collection(MetadataCollection)
	if _, err := meta.FindOne(context.Background(), ByID("metadata")); err == ErrNotFound {
		if err := meta.InsertOne(context.Background(), Document{"id": "metadata", "version": SchemaVersion}); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Collection returns the named collection, creating it on first use.
func (db *JSONFileDatabase) Collection(name string) Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	if !ok {
		c = &jsonFileCollection{db: db, inner: &memoryCollection{}}
		db.collections[name] = c
	}
	return c
}

// Close flushes any pending state.
func (db *JSONFileDatabase) Close() error {
	return db.flush()
}

func (db *JSONFileDatabase) load() error {
	raw, err := os.ReadFile(db.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var collections map[string][]Document
	if err := json.Unmarshal(raw, &collections); err != nil {
		return err
	}
	for name, docs := range collections {
		db.collections[name] = &jsonFileCollection{db: db, inner: &memoryCollection{docs: docs}}
	}
	return nil
}

// flush rewrites the backing file from the in-memory state. Writes go
// through a temp file and rename so a crash never truncates the store.
func (db *JSONFileDatabase) flush() error {
	db.mu.Lock()
	snapshot := make(map[string][]Document, len(db.collections))
	for name, c := range db.collections {
		snapshot[name] = c.inner.snapshot()
	}
	db.mu.Unlock()

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := db.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, db.path)
}

type jsonFileCollection struct {
	db    *JSONFileDatabase
	inner *memoryCollection
}

func (c *jsonFileCollection) InsertOne(ctx context.Context, doc Document) error {
	if err := c.inner.InsertOne(ctx, doc); err != nil {
		return err
	}
	return c.db.flush()
}

func (c *jsonFileCollection) Find(ctx context.Context, filter Filter) ([]Document, error) {
	return c.inner.Find(ctx, filter)
}

func (c *jsonFileCollection) FindOne(ctx context.Context, filter Filter) (Document, error) {
	return c.inner.FindOne(ctx, filter)
}

func (c *jsonFileCollection) UpdateOne(ctx context.Context, filter Filter, doc Document, upsert bool) (Document, error) {
	stored, err := c.inner.UpdateOne(ctx, filter, doc, upsert)
	if err != nil {
		return nil, err
	}
	if err := c.db.flush(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (c *jsonFileCollection) DeleteOne(ctx context.Context, filter Filter) (Document, error) {
	deleted, err := c.inner.DeleteOne(ctx, filter)
	if err != nil {
		return nil, err
	}
	if err := c.db.flush(); err != nil {
		return nil, err
	}
	return deleted, nil
}
