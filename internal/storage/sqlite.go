package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteDatabase stores each collection as a (id, doc) table in a sqlite
// file. Filters are evaluated by the shared grammar evaluator after a
// full scan; collections here are small and read-mostly.
type SQLiteDatabase struct {
	db *sql.DB

	mu      sync.Mutex
	created map[string]bool
}

// NewSQLiteDatabase opens (or creates) the sqlite database at path.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Serialized writes; sqlite tolerates a single writer.
	db.SetMaxOpenConns(1)
	s := &SQLiteDatabase{db: db, created: make(map[string]bool)}
	meta := s.Collection(MetadataCollection)
	if _, err := meta.FindOne(context.Background(), ByID("metadata")); err == ErrNotFound {
		if err := meta.InsertOne(context.Background(), Document{"id": "metadata", "version": SchemaVersion}); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Collection returns the named collection, creating its table lazily.
func (s *SQLiteDatabase) Collection(name string) Collection {
	return &sqliteCollection{db: s, table: tableName(name)}
}

// Close closes the underlying sqlite handle.
func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

func (s *SQLiteDatabase) ensureTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[table] {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, doc TEXT NOT NULL)`, table))
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	s.created[table] = true
	return nil
}

// tableName sanitizes a collection name into an identifier.
func tableName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	return "c_" + sanitized
}

type sqliteCollection struct {
	db    *SQLiteDatabase
	table string
}

func (c *sqliteCollection) InsertOne(ctx context.Context, doc Document) error {
	id := DocumentID(doc)
	if id == "" {
		return fmt.Errorf("document has no id")
	}
	if err := c.db.ensureTable(ctx, c.table); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = c.db.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (id, doc) VALUES (?, ?)`, c.table), id, string(raw))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (c *sqliteCollection) scan(ctx context.Context, filter Filter) ([]Document, error) {
	if err := c.db.ensureTable(ctx, c.table); err != nil {
		return nil, err
	}
	rows, err := c.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %q ORDER BY rowid`, c.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		if Matches(filter, doc) {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

func (c *sqliteCollection) Find(ctx context.Context, filter Filter) ([]Document, error) {
	return c.scan(ctx, filter)
}

func (c *sqliteCollection) FindOne(ctx context.Context, filter Filter) (Document, error) {
	docs, err := c.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (c *sqliteCollection) UpdateOne(ctx context.Context, filter Filter, doc Document, upsert bool) (Document, error) {
	existing, err := c.FindOne(ctx, filter)
	if err == ErrNotFound {
		if !upsert {
			return nil, ErrNotFound
		}
		if err := c.InsertOne(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	_, err = c.db.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %q SET id = ?, doc = ? WHERE id = ?`, c.table),
		DocumentID(doc), string(raw), DocumentID(existing))
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *sqliteCollection) DeleteOne(ctx context.Context, filter Filter) (Document, error) {
	existing, err := c.FindOne(ctx, filter)
	if err != nil {
		return nil, err
	}
	_, err = c.db.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, c.table), DocumentID(existing))
	if err != nil {
		return nil, err
	}
	return existing, nil
}
