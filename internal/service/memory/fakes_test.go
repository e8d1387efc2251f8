package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/search"
	"github.com/ashita-ai/kensa/internal/testutil"
)

type fakeRepo struct {
	mu        sync.Mutex
	memories  map[uuid.UUID]model.Memory
	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{memories: make(map[uuid.UUID]model.Memory)}
}

func (f *fakeRepo) put(m model.Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories[m.ID] = m
}

func (f *fakeRepo) get(id uuid.UUID) model.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memories[id]
}

func (f *fakeRepo) CreateMemory(_ context.Context, m model.Memory) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.put(m)
	return nil
}

func (f *fakeRepo) SetMemoryEmbeddingStatus(_ context.Context, id uuid.UUID, status model.EmbeddingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return model.ErrNotFound
	}
	m.EmbeddingStored = &status
	f.memories[id] = m
	return nil
}

func (f *fakeRepo) GetMemory(_ context.Context, id uuid.UUID) (model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return model.Memory{}, model.ErrNotFound
	}
	return m, nil
}

func (f *fakeRepo) TouchMemories(_ context.Context, ids []uuid.UUID, filter model.MemoryFilter, now time.Time) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Memory
	for _, id := range ids {
		m, ok := f.memories[id]
		if !ok {
			continue
		}
		if filter.MemoryType != "" && m.MemoryType != filter.MemoryType {
			continue
		}
		if filter.AgentType != "" && m.AgentType != filter.AgentType {
			continue
		}
		m.AccessCount++
		ts := now
		m.LastAccessed = &ts
		f.memories[id] = m
		out = append(out, m)
	}
	// Storage returns rows in no particular order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (f *fakeRepo) list(agentType string, keep func(model.Memory) bool) []model.Memory {
	var out []model.Memory
	for _, m := range f.memories {
		if agentType != "" && m.AgentType != agentType {
			continue
		}
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeRepo) ListRecentMemories(_ context.Context, agentType string, limit int) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.list(agentType, func(model.Memory) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) ListImportantMemories(_ context.Context, agentType string, minImportance float64, limit int) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.list(agentType, func(m model.Memory) bool { return m.ImportanceScore >= minImportance })
	sort.Slice(out, func(i, j int) bool { return out[i].ImportanceScore > out[j].ImportanceScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) PruneMemories(_ context.Context, cutoff time.Time, minImportance float64, minAccessCount int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, m := range f.memories {
		if m.CreatedAt.Before(cutoff) && m.ImportanceScore < minImportance && m.AccessCount < minAccessCount {
			ids = append(ids, id)
			delete(f.memories, id)
		}
	}
	return ids, nil
}

func (f *fakeRepo) ListUnindexedMemories(_ context.Context, createdBefore time.Time, limit int) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.list("", func(m model.Memory) bool {
		pending := m.EmbeddingStored == nil || *m.EmbeddingStored == model.EmbeddingFailed
		return pending && m.CreatedAt.Before(createdBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) CountMemoriesByEmbeddingStatus(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64)
	for _, m := range f.memories {
		key := ""
		if m.EmbeddingStored != nil {
			key = string(*m.EmbeddingStored)
		}
		out[key]++
	}
	return out, nil
}

// fakeIndex ranks documents by insertion order unless hits is set.
type fakeIndex struct {
	mu        sync.Mutex
	docs      []search.Document
	deleted   []uuid.UUID
	hits      []search.Hit
	lastK     int
	addErr    error
	searchErr error
}

func (f *fakeIndex) Add(_ context.Context, docs []search.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ string, k int) ([]search.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastK = k
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if f.hits != nil {
		if len(f.hits) > k {
			return f.hits[:k], nil
		}
		return f.hits, nil
	}
	var out []search.Hit
	for i, d := range f.docs {
		if len(out) == k {
			break
		}
		out = append(out, search.Hit{ID: d.ID, Text: d.Payload, Distance: float32(i) / 100, Metadata: d.Metadata})
	}
	return out, nil
}

func (f *fakeIndex) Delete(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeIndex) Healthy(context.Context) error { return nil }
func (f *fakeIndex) Close() error                  { return nil }

// fakeCipher reverses the string behind a fixed prefix.
type fakeCipher struct{ failEncrypt bool }

const fakeCipherPrefix = "enc:"

func (c fakeCipher) Encrypt(pt string) (string, error) {
	if c.failEncrypt {
		return "", errors.New("key unavailable")
	}
	return fakeCipherPrefix + reverse(pt), nil
}

func (c fakeCipher) Decrypt(ct string) (string, error) {
	if !strings.HasPrefix(ct, fakeCipherPrefix) {
		return "", errors.New("malformed ciphertext")
	}
	return reverse(strings.TrimPrefix(ct, fakeCipherPrefix)), nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func newTestStore() (*Store, *fakeRepo, *fakeIndex) {
	repo := newFakeRepo()
	idx := &fakeIndex{}
	return New(repo, idx, fakeCipher{}, testutil.TestLogger()), repo, idx
}

func ptr[T any](v T) *T { return &v }
