package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kensa/internal/service/embedding"
)

// PGVectorIndex implements Index on a pgvector table in the structured
// store's own database.
type PGVectorIndex struct {
	pool     *pgxpool.Pool
	embedder embedding.Provider
	table    string
	dims     int
	logger   *slog.Logger
}

// NewPGVectorIndex wraps an existing pool. Call EnsureSchema before use.
func NewPGVectorIndex(pool *pgxpool.Pool, embedder embedding.Provider, logger *slog.Logger) *PGVectorIndex {
	return &PGVectorIndex{
		pool:     pool,
		embedder: embedder,
		table:    "memory_embeddings",
		dims:     embedder.Dimensions(),
		logger:   logger,
	}
}

// EnsureSchema creates the extension, table and HNSW index if missing.
// The vector column is sized to the embedder, so changing models requires
// dropping the table.
func (p *PGVectorIndex) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        UUID PRIMARY KEY,
			content   TEXT NOT NULL DEFAULT '',
			metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL
		)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_hnsw ON %s
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 128)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("search: pgvector schema: %w", err)
		}
	}
	p.logger.Info("pgvector: schema ensured", "table", p.table, "dims", p.dims)
	return nil
}

// Add embeds the documents and upserts them in a single batch.
func (p *PGVectorIndex) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	vecs, err := embedDocs(ctx, p.embedder, docs)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, d := range docs {
		if len(vecs[i].Slice()) != p.dims {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vecs[i].Slice()), p.dims)
		}
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		batch.Queue(fmt.Sprintf(
			`INSERT INTO %s (id, content, metadata, embedding) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE
			 SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`, p.table),
			d.ID, d.Payload, meta, vecs[i],
		)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("search: pgvector upsert %d rows: %w", len(docs), err)
	}
	return nil
}

// Search embeds the query and orders rows by cosine distance.
func (p *PGVectorIndex) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, content, metadata, embedding <=> $1 AS distance
		 FROM %s
		 ORDER BY embedding <=> $1
		 LIMIT $2`, p.table),
		vec, k,
	)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		var distance float64
		err := row.Scan(&h.ID, &h.Text, &h.Metadata, &distance)
		h.Distance = float32(distance)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("search: pgvector scan: %w", err)
	}
	return hits, nil
}

// Delete removes rows by id.
func (p *PGVectorIndex) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.table), ids); err != nil {
		return fmt.Errorf("search: pgvector delete %d rows: %w", len(ids), err)
	}
	return nil
}

// Healthy pings the pool.
func (p *PGVectorIndex) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("search: pgvector unhealthy: %w", err)
	}
	return nil
}

// Close is a no-op: the pool belongs to the structured store.
func (p *PGVectorIndex) Close() error {
	return nil
}
