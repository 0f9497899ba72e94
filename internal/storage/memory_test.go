package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryCollectionCRUD(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()
	c := db.Collection("things")

	if err := c.InsertOne(ctx, Document{"id": "1", "name": "first"}); err != nil {
		t.Fatalf("InsertOne() error = %v", err)
	}
	if err := c.InsertOne(ctx, Document{"id": "1", "name": "dup"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("InsertOne() duplicate error = %v, want ErrAlreadyExists", err)
	}
	if err := c.InsertOne(ctx, Document{"name": "no id"}); err == nil {
		t.Fatal("expected error for document without id")
	}

	doc, err := c.FindOne(ctx, ByID("1"))
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if doc["name"] != "first" {
		t.Fatalf("FindOne() name = %v, want first", doc["name"])
	}

	if _, err := c.FindOne(ctx, ByID("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindOne() missing error = %v, want ErrNotFound", err)
	}

	if _, err := c.UpdateOne(ctx, ByID("1"), Document{"id": "1", "name": "updated"}, false); err != nil {
		t.Fatalf("UpdateOne() error = %v", err)
	}
	doc, _ = c.FindOne(ctx, ByID("1"))
	if doc["name"] != "updated" {
		t.Fatalf("expected update to persist, got %v", doc["name"])
	}

	if _, err := c.UpdateOne(ctx, ByID("2"), Document{"id": "2"}, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateOne() without upsert error = %v, want ErrNotFound", err)
	}
	if _, err := c.UpdateOne(ctx, ByID("2"), Document{"id": "2"}, true); err != nil {
		t.Fatalf("UpdateOne() upsert error = %v", err)
	}

	if _, err := c.DeleteOne(ctx, ByID("2")); err != nil {
		t.Fatalf("DeleteOne() error = %v", err)
	}
	if _, err := c.DeleteOne(ctx, ByID("2")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteOne() again error = %v, want ErrNotFound", err)
	}
}

func TestMemoryCollectionInsertionOrder(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()
	c := db.Collection("ordered")

	for _, id := range []string{"c", "a", "b"} {
		if err := c.InsertOne(ctx, Document{"id": id}); err != nil {
			t.Fatalf("InsertOne(%s) error = %v", id, err)
		}
	}
	docs, err := c.Find(ctx, nil)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	got := []string{DocumentID(docs[0]), DocumentID(docs[1]), DocumentID(docs[2])}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Find() order = %v, want %v", got, want)
		}
	}
}

func TestMemoryDatabaseMetadata(t *testing.T) {
	db := NewMemoryDatabase()
	doc, err := db.Collection(MetadataCollection).FindOne(context.Background(), ByID("metadata"))
	if err != nil {
		t.Fatalf("metadata FindOne() error = %v", err)
	}
	if doc["version"] != SchemaVersion {
		t.Fatalf("metadata version = %v, want %d", doc["version"], SchemaVersion)
	}
}

func TestMemoryCollectionCloneIsolation(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()
	c := db.Collection("iso")

	original := Document{"id": "1", "count": 1}
	if err := c.InsertOne(ctx, original); err != nil {
		t.Fatalf("InsertOne() error = %v", err)
	}
	original["count"] = 99

	doc, err := c.FindOne(ctx, ByID("1"))
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if doc["count"] != 1 {
		t.Fatalf("stored document was mutated through caller's map: count = %v", doc["count"])
	}
	doc["count"] = 42

	again, _ := c.FindOne(ctx, ByID("1"))
	if again["count"] != 1 {
		t.Fatalf("stored document was mutated through returned map: count = %v", again["count"])
	}
}
