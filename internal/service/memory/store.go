// Package memory implements the hybrid memory store: durable rows in the
// structured store paired with best-effort entries in a semantic index.
//
// The structured write always commits first. Index writes happen afterwards
// and their failure is logged, counted and recorded on the row, never
// returned to the caller. Retrieval goes through the index and then loads,
// filters and touches the structured rows.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/search"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Defaults applied when callers leave a parameter at its zero value.
const (
	DefaultImportance       = 0.5
	DefaultTopK             = 5
	DefaultListLimit        = 10
	DefaultMinImportance    = 0.7
	MaxTopK                 = 100
	MaxListLimit            = 200
	overFetchFactor         = 2
	metadataMemoryIDKey     = "memory_id"
	defaultReindexBatchSize = 50
)

// Repository is the structured-store surface the memory store needs.
// *storage.DB satisfies it.
type Repository interface {
	CreateMemory(ctx context.Context, m model.Memory) error
	SetMemoryEmbeddingStatus(ctx context.Context, id uuid.UUID, status model.EmbeddingStatus) error
	GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error)
	TouchMemories(ctx context.Context, ids []uuid.UUID, filter model.MemoryFilter, now time.Time) ([]model.Memory, error)
	ListRecentMemories(ctx context.Context, agentType string, limit int) ([]model.Memory, error)
	ListImportantMemories(ctx context.Context, agentType string, minImportance float64, limit int) ([]model.Memory, error)
	PruneMemories(ctx context.Context, cutoff time.Time, minImportance float64, minAccessCount int) ([]uuid.UUID, error)
	ListUnindexedMemories(ctx context.Context, createdBefore time.Time, limit int) ([]model.Memory, error)
	CountMemoriesByEmbeddingStatus(ctx context.Context) (map[string]int64, error)
}

// Cipher is the encryption capability. *encryption.Cipher satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// StoreInput describes a memory to persist.
type StoreInput struct {
	Content      string
	MemoryType   string
	AgentType    string
	RelatedRunID *uuid.UUID
	Tags         []string
	// Importance defaults to DefaultImportance when nil.
	Importance   *float64
	Encrypt      bool
}

// RetrieveInput describes a semantic retrieval. Empty filters match anything.
type RetrieveInput struct {
	Query      string
	MemoryType string
	AgentType  string
	TopK       int
}

// Store is the memory store service.
type Store struct {
	repo   Repository
	index  search.Index
	cipher Cipher
	logger *slog.Logger
	now    func() time.Time

	retrieveDuration metric.Float64Histogram
	indexFailures    metric.Int64Counter
	pruned           metric.Int64Counter
}

// New creates a memory Store. index must not be nil; use a LocalIndex when no
// external vector database is configured.
func New(repo Repository, index search.Index, cipher Cipher, logger *slog.Logger) *Store {
	meter := telemetry.Meter("kensa/memory")
	retrieveDur, _ := meter.Float64Histogram("kensa.memory.retrieve.duration",
		metric.WithDescription("Time to run a semantic memory retrieval (ms)"),
		metric.WithUnit("ms"),
	)
	indexFailures, _ := meter.Int64Counter("kensa.memory.indexing_failures",
		metric.WithDescription("Semantic index writes that failed after the row was stored"),
	)
	pruned, _ := meter.Int64Counter("kensa.memory.pruned",
		metric.WithDescription("Memories deleted by retention pruning"),
	)
	return &Store{
		repo:             repo,
		index:            index,
		cipher:           cipher,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
		retrieveDuration: retrieveDur,
		indexFailures:    indexFailures,
		pruned:           pruned,
	}
}

// Store persists a memory and then indexes it. The returned memory carries
// the indexing outcome in EmbeddingStored.
func (s *Store) Store(ctx context.Context, in StoreInput) (model.Memory, error) {
	m, err := s.build(in)
	if err != nil {
		return model.Memory{}, err
	}
	plaintext := in.Content

	if in.Encrypt {
		ct, err := s.cipher.Encrypt(plaintext)
		if err != nil {
			return model.Memory{}, &model.ExternalServiceError{Capability: model.CapabilityEncryption, Err: err}
		}
		m.ContentEncrypted = &ct
	} else {
		m.Content = &plaintext
	}

	if err := s.repo.CreateMemory(ctx, m); err != nil {
		return model.Memory{}, fmt.Errorf("memory: store: %w", err)
	}

	status := s.indexMemory(ctx, m, plaintext)
	m.EmbeddingStored = &status
	return m, nil
}

func (s *Store) build(in StoreInput) (model.Memory, error) {
	if strings.TrimSpace(in.Content) == "" {
		return model.Memory{}, model.Invalid("content", "is required")
	}
	if len(in.Content) > model.MaxMemoryContentLen {
		return model.Memory{}, model.Invalid("content", "must be at most %d bytes", model.MaxMemoryContentLen)
	}
	memoryType := strings.TrimSpace(in.MemoryType)
	if memoryType == "" {
		return model.Memory{}, model.Invalid("memory_type", "is required")
	}
	agentType := strings.TrimSpace(in.AgentType)
	if agentType == "" {
		return model.Memory{}, model.Invalid("agent_type", "is required")
	}
	if len(agentType) > model.MaxAgentTypeLen {
		return model.Memory{}, model.Invalid("agent_type", "must be at most %d characters", model.MaxAgentTypeLen)
	}
	importance := DefaultImportance
	if in.Importance != nil {
		importance = *in.Importance
	}
	if importance < 0 || importance > 1 {
		return model.Memory{}, model.Invalid("importance_score", "must be between 0 and 1, got %g", importance)
	}
	if len(in.Tags) > model.MaxTags {
		return model.Memory{}, model.Invalid("tags", "at most %d tags allowed", model.MaxTags)
	}
	return model.Memory{
		ID:              uuid.New(),
		MemoryType:      memoryType,
		AgentType:       agentType,
		RelatedRunID:    in.RelatedRunID,
		Tags:            dedupeTags(in.Tags),
		ImportanceScore: importance,
		CreatedAt:       s.now(),
	}, nil
}

// indexMemory writes m to the semantic index and records the outcome on the
// row. Encrypted memories are embedded from plaintext but their stored index
// payload is left empty.
func (s *Store) indexMemory(ctx context.Context, m model.Memory, plaintext string) model.EmbeddingStatus {
	doc := search.Document{
		ID:       m.ID,
		Text:     plaintext,
		Metadata: search.MetadataFor(m.ID, m.MemoryType, m.AgentType, m.ImportanceScore),
	}
	if !m.Encrypted() {
		doc.Payload = plaintext
	}

	status := model.EmbeddingIndexed
	if err := s.index.Add(ctx, []search.Document{doc}); err != nil {
		ierr := &model.IndexingError{MemoryID: m.ID, Err: err}
		s.logger.Warn("memory: indexing failed", "memory_id", m.ID, "error", ierr)
		s.indexFailures.Add(ctx, 1)
		status = model.EmbeddingFailed
	}
	if err := s.repo.SetMemoryEmbeddingStatus(ctx, m.ID, status); err != nil {
		s.logger.Warn("memory: record embedding status failed", "memory_id", m.ID, "status", status, "error", err)
	}
	return status
}

// Retrieve runs a semantic search for twice TopK candidates, loads and
// touches the matching rows that pass the filters, and returns at most TopK
// of them in search-rank order. Every loaded row has its access stats
// updated, including rows dropped by the final truncation. A failed search
// is logged and yields no results.
func (s *Store) Retrieve(ctx context.Context, in RetrieveInput) ([]model.Memory, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, model.Invalid("query", "is required")
	}
	topK := in.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	if topK < 0 || topK > MaxTopK {
		return nil, model.Invalid("top_k", "must be between 1 and %d", MaxTopK)
	}

	start := time.Now()
	defer func() {
		s.retrieveDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.Bool("filtered", in.MemoryType != "" || in.AgentType != "")))
	}()

	hits, err := s.index.Search(ctx, in.Query, topK*overFetchFactor)
	if err != nil {
		s.logger.Warn("memory: semantic search failed", "error", err)
		return []model.Memory{}, nil
	}

	ids := make([]uuid.UUID, 0, len(hits))
	rank := make(map[uuid.UUID]int, len(hits))
	for _, h := range hits {
		id, ok := hitMemoryID(h)
		if !ok {
			continue
		}
		if _, dup := rank[id]; dup {
			continue
		}
		rank[id] = len(ids)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return []model.Memory{}, nil
	}

	loaded, err := s.repo.TouchMemories(ctx, ids, model.MemoryFilter{
		MemoryType: in.MemoryType,
		AgentType:  in.AgentType,
	}, s.now())
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}

	sort.SliceStable(loaded, func(i, j int) bool { return rank[loaded[i].ID] < rank[loaded[j].ID] })
	if len(loaded) > topK {
		loaded = loaded[:topK]
	}
	return loaded, nil
}

// hitMemoryID extracts the memory id from a hit's metadata, falling back to
// the document id.
func hitMemoryID(h search.Hit) (uuid.UUID, bool) {
	if raw, ok := h.Metadata[metadataMemoryIDKey].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id, true
		}
	}
	if h.ID != uuid.Nil {
		return h.ID, true
	}
	return uuid.Nil, false
}

// Recent returns memories newest first.
func (s *Store) Recent(ctx context.Context, agentType string, limit int) ([]model.Memory, error) {
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	out, err := s.repo.ListRecentMemories(ctx, agentType, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent: %w", err)
	}
	return nonNil(out), nil
}

// Important returns memories with importance >= minImportance, most important
// first. A nil minImportance means DefaultMinImportance.
func (s *Store) Important(ctx context.Context, agentType string, minImportance *float64, limit int) ([]model.Memory, error) {
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	threshold := DefaultMinImportance
	if minImportance != nil {
		threshold = *minImportance
	}
	if threshold < 0 || threshold > 1 {
		return nil, model.Invalid("min_importance", "must be between 0 and 1")
	}
	out, err := s.repo.ListImportantMemories(ctx, agentType, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: important: %w", err)
	}
	return nonNil(out), nil
}

// Decrypt returns the plaintext of m. If decryption fails the raw stored
// content is returned instead.
func (s *Store) Decrypt(m model.Memory) string {
	if !m.Encrypted() {
		if m.Content == nil {
			return ""
		}
		return *m.Content
	}
	pt, err := s.cipher.Decrypt(*m.ContentEncrypted)
	if err != nil {
		s.logger.Warn("memory: decrypt failed, returning stored content", "memory_id", m.ID, "error", err)
		return *m.ContentEncrypted
	}
	return pt
}

// Content loads a memory and returns its plaintext. Access stats are not
// touched.
func (s *Store) Content(ctx context.Context, id uuid.UUID) (string, error) {
	m, err := s.repo.GetMemory(ctx, id)
	if err != nil {
		return "", fmt.Errorf("memory: content: %w", err)
	}
	return s.Decrypt(m), nil
}

// Prune permanently deletes memories matching all three policy clauses and
// removes their index entries. Index cleanup is best-effort.
func (s *Store) Prune(ctx context.Context, policy model.PrunePolicy) (int64, error) {
	if policy.MaxAge <= 0 {
		return 0, model.Invalid("max_age_days", "must be positive")
	}
	if policy.MinImportance < 0 || policy.MinImportance > 1 {
		return 0, model.Invalid("min_importance", "must be between 0 and 1")
	}
	if policy.MinAccessCount < 0 {
		return 0, model.Invalid("min_access_count", "must not be negative")
	}

	cutoff := s.now().Add(-policy.MaxAge)
	ids, err := s.repo.PruneMemories(ctx, cutoff, policy.MinImportance, policy.MinAccessCount)
	if err != nil {
		return 0, fmt.Errorf("memory: prune: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.index.Delete(ctx, ids); err != nil {
		s.logger.Warn("memory: remove pruned index entries failed", "count", len(ids), "error", err)
	}
	s.pruned.Add(ctx, int64(len(ids)))
	s.logger.Info("memory: pruned", "deleted", len(ids), "cutoff", cutoff)
	return int64(len(ids)), nil
}

// Healthy reports whether the semantic index is reachable.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.index.Healthy(ctx); err != nil {
		return fmt.Errorf("memory: index: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultListLimit, nil
	}
	if limit < 0 || limit > MaxListLimit {
		return 0, model.Invalid("limit", "must be between 1 and %d", MaxListLimit)
	}
	return limit, nil
}

func dedupeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func nonNil(ms []model.Memory) []model.Memory {
	if ms == nil {
		return []model.Memory{}
	}
	return ms
}

