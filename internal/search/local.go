package search

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kensa/internal/service/embedding"
)

type localEntry struct {
	text     string
	metadata map[string]any
	vector   []float32
}

// LocalIndex implements Index on an embedded SQLite file. Vectors are
// persisted as little-endian float32 blobs and mirrored in memory, where
// search is a brute-force cosine scan. Suited to development and small
// corpora.
type LocalIndex struct {
	db       *sql.DB
	embedder embedding.Provider
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]localEntry
}

// OpenLocalIndex opens (or creates) the index at path and loads every
// stored vector into memory. path may be ":memory:".
func OpenLocalIndex(ctx context.Context, path string, embedder embedding.Provider, logger *slog.Logger) (*LocalIndex, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("search: open local index: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("search: ping local index: %w", err)
	}

	idx := &LocalIndex{
		db:       db,
		embedder: embedder,
		logger:   logger,
		entries:  make(map[uuid.UUID]localEntry),
	}
	if err := idx.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idx.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("local index: opened", "path", path, "entries", len(idx.entries))
	return idx, nil
}

func (l *LocalIndex) initSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memory_embeddings (
			id        TEXT PRIMARY KEY,
			content   TEXT NOT NULL DEFAULT '',
			metadata  TEXT NOT NULL DEFAULT '{}',
			embedding BLOB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("search: init local schema: %w", err)
	}
	return nil
}

func (l *LocalIndex) load(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT id, content, metadata, embedding FROM memory_embeddings`)
	if err != nil {
		return fmt.Errorf("search: load local index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var idStr, text, metaJSON string
		var blob []byte
		if err := rows.Scan(&idStr, &text, &metaJSON, &blob); err != nil {
			return fmt.Errorf("search: scan local entry: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			l.logger.Warn("local index: skipping row with invalid id", "id", idStr)
			continue
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			l.logger.Warn("local index: skipping row with invalid metadata", "id", idStr, "error", err)
			continue
		}
		l.entries[id] = localEntry{text: text, metadata: meta, vector: decodeVector(blob)}
	}
	return rows.Err()
}

// Add embeds documents and writes them in one transaction.
func (l *LocalIndex) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	vecs, err := embedDocs(ctx, l.embedder, docs)
	if err != nil {
		return err
	}

	staged := make(map[uuid.UUID]localEntry, len(docs))
	for i, d := range docs {
		v := vecs[i].Slice()
		if len(v) != l.embedder.Dimensions() {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), l.embedder.Dimensions())
		}
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		staged[d.ID] = localEntry{text: d.Payload, metadata: meta, vector: v}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("search: begin local tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for id, e := range staged {
		metaJSON, err := json.Marshal(e.metadata)
		if err != nil {
			return fmt.Errorf("search: encode metadata for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_embeddings (id, content, metadata, embedding) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET content = excluded.content, metadata = excluded.metadata, embedding = excluded.embedding`,
			id.String(), e.text, string(metaJSON), encodeVector(e.vector),
		); err != nil {
			return fmt.Errorf("search: write local entry %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("search: commit local tx: %w", err)
	}

	for id, e := range staged {
		// Round-trip metadata through JSON so hits look the same before and after a reload.
		e.metadata = normalizeMetadata(e.metadata)
		l.entries[id] = e
	}
	return nil
}

// Search scans every cached vector and returns the k nearest.
func (l *LocalIndex) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	q := vec.Slice()

	l.mu.RLock()
	hits := make([]Hit, 0, len(l.entries))
	for id, e := range l.entries {
		if len(e.vector) != len(q) {
			continue
		}
		hits = append(hits, Hit{
			ID:       id,
			Text:     e.text,
			Distance: cosineDistance(q, e.vector),
			Metadata: copyMetadata(e.metadata),
		})
	}
	l.mu.RUnlock()

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes entries by id.
func (l *LocalIndex) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM memory_embeddings WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...,
	); err != nil {
		return fmt.Errorf("search: delete %d local entries: %w", len(ids), err)
	}
	for _, id := range ids {
		delete(l.entries, id)
	}
	return nil
}

// Len returns the number of cached entries.
func (l *LocalIndex) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Healthy pings the SQLite handle.
func (l *LocalIndex) Healthy(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("search: local index unhealthy: %w", err)
	}
	return nil
}

// Close closes the SQLite handle.
func (l *LocalIndex) Close() error {
	return l.db.Close()
}

func normalizeMetadata(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
