package model

import (
	"time"

	"github.com/google/uuid"
)

// Well-known memory types. The set is open; callers may use other values.
const (
	MemoryTypeEpisodic = "episodic"
	MemoryTypeSemantic = "semantic"
)

// EmbeddingStatus is the best-effort indexing hint stored on a memory.
// A nil pointer on Memory means indexing was never attempted.
type EmbeddingStatus string

const (
	EmbeddingIndexed EmbeddingStatus = "indexed"
	EmbeddingFailed  EmbeddingStatus = "failed"
	// EmbeddingSkipped is terminal: the content cannot be decrypted with the
	// current key, so the reindexer stops retrying it.
	EmbeddingSkipped EmbeddingStatus = "skipped"
)

// Memory is a durable note paired with a best-effort semantic index entry.
// Exactly one of Content and ContentEncrypted is populated.
type Memory struct {
	ID               uuid.UUID        `json:"id"`
	MemoryType       string           `json:"memory_type"`
	Content          *string          `json:"content,omitempty"`
	ContentEncrypted *string          `json:"content_encrypted,omitempty"`
	AgentType        string           `json:"agent_type"`
	RelatedRunID     *uuid.UUID       `json:"related_run_id,omitempty"`
	Tags             []string         `json:"tags"`
	ImportanceScore  float64          `json:"importance_score"`
	AccessCount      int              `json:"access_count"`
	LastAccessed     *time.Time       `json:"last_accessed,omitempty"`
	EmbeddingStored  *EmbeddingStatus `json:"embedding_stored,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Encrypted reports whether the memory holds ciphertext instead of plaintext.
func (m Memory) Encrypted() bool {
	return m.ContentEncrypted != nil
}

// MemoryFilter narrows structured memory queries. Empty strings mean "any".
type MemoryFilter struct {
	MemoryType string
	AgentType  string
}

// PrunePolicy is the conjunctive retention rule: a memory is deleted only
// when it is older than MaxAge AND less important than MinImportance AND
// accessed fewer than MinAccessCount times.
type PrunePolicy struct {
	MaxAge         time.Duration
	MinImportance  float64
	MinAccessCount int
}

// DefaultPrunePolicy returns 90 days, importance 0.3, one access.
func DefaultPrunePolicy() PrunePolicy {
	return PrunePolicy{
		MaxAge:         90 * 24 * time.Hour,
		MinImportance:  0.3,
		MinAccessCount: 1,
	}
}
