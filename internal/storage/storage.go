// Package storage implements the document-database contract the entity
// stores are built on: named collections of JSON documents keyed by "id",
// queried through a small Mongo-like filter grammar.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no document matches a filter.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when inserting a duplicate id.
	ErrAlreadyExists = errors.New("already exists")
)

// SchemaVersion is written to each database's metadata collection for
// schema evolution.
const SchemaVersion = 1

// MetadataCollection holds the single {id: "metadata", version} document.
const MetadataCollection = "metadata"

// Document is a JSON document. Every stored document carries a string
// "id" field.
type Document = map[string]any

// Filter selects documents. Keys are either field names mapping to an
// operator object ({"$eq": v}, {"$gt": v}, ...) or the logical operators
// "$and" / "$or" mapping to a list of sub-filters. A nil or empty filter
// matches everything.
type Filter = map[string]any

// Collection is one named set of documents.
type Collection interface {
	// InsertOne stores a new document. The document must carry an "id".
	InsertOne(ctx context.Context, doc Document) error

	// Find returns all matching documents in insertion order.
	Find(ctx context.Context, filter Filter) ([]Document, error)

	// FindOne returns the first matching document or ErrNotFound.
	FindOne(ctx context.Context, filter Filter) (Document, error)

	// UpdateOne replaces the first matching document. With upsert set,
	// a missing match inserts the document instead. Returns the stored
	// document.
	UpdateOne(ctx context.Context, filter Filter, doc Document, upsert bool) (Document, error)

	// DeleteOne removes the first matching document and returns it, or
	// ErrNotFound.
	DeleteOne(ctx context.Context, filter Filter) (Document, error)
}

// Database opens named collections. Implementations are safe for
// concurrent use; each collection serializes writers and allows
// concurrent readers.
type Database interface {
	Collection(name string) Collection
	Close() error
}

// DocumentID extracts the "id" field of a document.
func DocumentID(doc Document) string {
	id, _ := doc["id"].(string)
	return id
}

// ByID is shorthand for the {"id": {"$eq": id}} filter.
func ByID(id string) Filter {
	return Filter{"id": map[string]any{"$eq": id}}
}
