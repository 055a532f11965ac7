package knowledge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Document is one indexed piece of knowledge: a mail message or a vault
// note, with its embedding.
type Document struct {
	ID        string            `db:"id"`
	Origin    string            `db:"origin"` // "mailbox" or "vault"
	UnitID    string            `db:"unit_id"`
	Title     string            `db:"title"`
	Content   string            `db:"content"`
	Meta      map[string]string `db:"-"`
	Embedding []float32         `db:"-"`
	UpdatedAt time.Time         `db:"updated_at"`
}

// SearchResult is a document with its similarity to the query vector.
type SearchResult struct {
	Document Document
	Score    float64
}

// Store persists documents and their embeddings in a local SQLite database.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	origin     TEXT NOT NULL,
	unit_id    TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	meta       TEXT NOT NULL DEFAULT '{}',
	embedding  BLOB,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_origin ON documents(origin);
CREATE INDEX IF NOT EXISTS idx_documents_unit ON documents(unit_id);
`

// Open opens (or creates) the store at dbPath and ensures the schema.
// Use ":memory:" for an in-memory store.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL keeps reads cheap while the sync loop writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces a document.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id must not be empty")
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta for %s: %w", doc.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents (
			id, origin, unit_id, title, content, meta, embedding, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Origin, doc.UnitID, doc.Title, doc.Content,
		string(meta), encodeVector(doc.Embedding), doc.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// Delete removes a document by ID. Deleting an absent document is not an
// error: removals are replayed at-least-once.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// Get retrieves a document by ID. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, origin, unit_id, title, content, meta, embedding, updated_at FROM documents WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	doc, err := scanDocument(rows)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Count returns the number of documents from the given origin; an empty
// origin counts everything.
func (s *Store) Count(ctx context.Context, origin string) (int, error) {
	var n int
	var err error
	if origin == "" {
		err = s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM documents")
	} else {
		err = s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM documents WHERE origin = ?", origin)
	}
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Search returns the limit documents most similar to the query vector,
// by cosine similarity, best first. Documents without embeddings are
// skipped.
func (s *Store) Search(ctx context.Context, query []float32, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, origin, unit_id, title, content, meta, embedding, updated_at FROM documents WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		score, ok := cosineSimilarity(query, doc.Embedding)
		if !ok {
			continue
		}
		results = append(results, SearchResult{Document: doc, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func scanDocument(rows *sqlx.Rows) (Document, error) {
	var (
		doc       Document
		meta      string
		embedding []byte
		updatedAt time.Time
	)
	err := rows.Scan(&doc.ID, &doc.Origin, &doc.UnitID, &doc.Title,
		&doc.Content, &meta, &embedding, &updatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("scan document row: %w", err)
	}
	doc.UpdatedAt = updatedAt
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &doc.Meta); err != nil {
			return Document{}, fmt.Errorf("unmarshal meta for %s: %w", doc.ID, err)
		}
	}
	doc.Embedding = decodeVector(embedding)
	return doc, nil
}

// encodeVector packs a vector as little-endian float32, the layout sqlite
// vector extensions use for BLOB columns.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
