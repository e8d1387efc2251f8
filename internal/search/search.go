// Package search provides the semantic half of the hybrid memory store.
//
// An Index holds one embedded document per memory, keyed by the memory id,
// and answers nearest-neighbour queries by cosine distance. Postgres stays
// the source of truth: callers hydrate full memories from storage using the
// ids returned here. Three backends are available (Qdrant, pgvector, and a
// local SQLite file) and all of them embed text through an
// embedding.Provider, so callers pass plain strings.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kensa/internal/service/embedding"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimensionality.
var ErrDimensionMismatch = errors.New("search: embedding dimension mismatch")

// Document is one entry to add to an index.
type Document struct {
	ID uuid.UUID

	// Text is embedded to build the vector. It is never persisted by the index.
	Text string

	// Payload is the text stored alongside the vector and returned in hits.
	// Empty for encrypted memories so the index never holds their plaintext.
	Payload string

	// Metadata is stored verbatim. Values should be strings, numbers or bools.
	Metadata map[string]any
}

// Hit is a single search result, nearest first.
type Hit struct {
	ID       uuid.UUID
	Text     string
	Distance float32 // Cosine distance: 0 is identical, 2 is opposite.
	Metadata map[string]any
}

// Index is a semantic index. Implementations must be safe for concurrent use.
type Index interface {
	// Add embeds and stores documents. Re-adding an id replaces its entry.
	Add(ctx context.Context, docs []Document) error

	// Search returns up to k hits ordered by ascending distance.
	Search(ctx context.Context, query string, k int) ([]Hit, error)

	// Delete removes entries by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []uuid.UUID) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// MetadataFor builds the metadata stored with a memory's index entry.
func MetadataFor(memoryID uuid.UUID, memoryType, agentType string, importance float64) map[string]any {
	return map[string]any{
		"memory_id":   memoryID.String(),
		"memory_type": memoryType,
		"agent_type":  agentType,
		"importance":  importance,
	}
}

// cosineDistance returns 1 - cos(a, b). Mismatched or zero vectors are
// maximally distant.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// sortHits orders hits by ascending distance, breaking ties by id so
// results are stable across calls.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID.String() < hits[j].ID.String()
	})
}

// embedDocs embeds every document's Text, one vector per document in order.
func embedDocs(ctx context.Context, embedder embedding.Provider, docs []Document) ([]pgvector.Vector, error) {
	vecs, err := embedder.EmbedBatch(ctx, embedTexts(docs))
	if err != nil {
		return nil, fmt.Errorf("search: embed %d documents: %w", len(docs), err)
	}
	if len(vecs) != len(docs) {
		return nil, fmt.Errorf("search: embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}
	return vecs, nil
}

func embedTexts(docs []Document) []string {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	return texts
}
