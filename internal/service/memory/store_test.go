package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/search"
	"github.com/ashita-ai/kensa/internal/testutil"
)

func TestStorePlaintext(t *testing.T) {
	s, repo, idx := newTestStore()
	m, err := s.Store(context.Background(), StoreInput{
		Content:    "Dr. Smith practices cardiology in Boston",
		MemoryType: model.MemoryTypeEpisodic,
		AgentType:  "provider_lookup",
		Tags:       []string{"provider", "provider", " npi "},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultImportance, m.ImportanceScore)
	assert.Equal(t, []string{"provider", "npi"}, m.Tags)
	require.NotNil(t, m.EmbeddingStored)
	assert.Equal(t, model.EmbeddingIndexed, *m.EmbeddingStored)
	assert.Equal(t, model.EmbeddingIndexed, *repo.get(m.ID).EmbeddingStored)

	require.Len(t, idx.docs, 1)
	assert.Equal(t, m.ID.String(), idx.docs[0].Metadata["memory_id"])
	assert.Equal(t, "Dr. Smith practices cardiology in Boston", idx.docs[0].Payload)
}

func TestStoreEncryptedKeepsPlaintextOutOfRowAndIndexPayload(t *testing.T) {
	s, repo, idx := newTestStore()
	m, err := s.Store(context.Background(), StoreInput{
		Content:    "patient note",
		MemoryType: model.MemoryTypeSemantic,
		AgentType:  "intake",
		Encrypt:    true,
	})
	require.NoError(t, err)

	stored := repo.get(m.ID)
	assert.Nil(t, stored.Content)
	require.NotNil(t, stored.ContentEncrypted)
	assert.NotContains(t, *stored.ContentEncrypted, "patient note")

	require.Len(t, idx.docs, 1)
	assert.Equal(t, "patient note", idx.docs[0].Text)
	assert.Empty(t, idx.docs[0].Payload)

	assert.Equal(t, "patient note", s.Decrypt(stored))
}

func TestStoreEncryptionFailureStoresNothing(t *testing.T) {
	repo := newFakeRepo()
	s := New(repo, &fakeIndex{}, fakeCipher{failEncrypt: true}, testutil.TestLogger())
	_, err := s.Store(context.Background(), StoreInput{Content: "x", MemoryType: "episodic", AgentType: "a", Encrypt: true})

	var ext *model.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, model.CapabilityEncryption, ext.Capability)
	assert.Empty(t, repo.memories)
}

func TestStoreIndexingFailureIsSwallowed(t *testing.T) {
	s, repo, idx := newTestStore()
	idx.addErr = errors.New("qdrant unavailable")

	m, err := s.Store(context.Background(), StoreInput{Content: "note", MemoryType: "episodic", AgentType: "a"})
	require.NoError(t, err)
	require.NotNil(t, m.EmbeddingStored)
	assert.Equal(t, model.EmbeddingFailed, *m.EmbeddingStored)

	// The row survives and is reachable through structured queries.
	recent, err := s.Recent(context.Background(), "a", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, m.ID, recent[0].ID)
	assert.Equal(t, model.EmbeddingFailed, *repo.get(m.ID).EmbeddingStored)
}

func TestStoreRowFailurePropagates(t *testing.T) {
	s, repo, idx := newTestStore()
	repo.createErr = errors.New("connection refused")
	_, err := s.Store(context.Background(), StoreInput{Content: "note", MemoryType: "episodic", AgentType: "a"})
	require.Error(t, err)
	assert.Empty(t, idx.docs)
}

func TestStoreValidation(t *testing.T) {
	s, _, _ := newTestStore()
	tests := []struct {
		name  string
		in    StoreInput
		field string
	}{
		{"empty content", StoreInput{MemoryType: "episodic", AgentType: "a"}, "content"},
		{"missing type", StoreInput{Content: "x", AgentType: "a"}, "memory_type"},
		{"missing agent", StoreInput{Content: "x", MemoryType: "episodic"}, "agent_type"},
		{"importance above 1", StoreInput{Content: "x", MemoryType: "episodic", AgentType: "a", Importance: ptr(1.5)}, "importance_score"},
		{"negative importance", StoreInput{Content: "x", MemoryType: "episodic", AgentType: "a", Importance: ptr(-0.1)}, "importance_score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Store(context.Background(), tt.in)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func seedIndexed(t *testing.T, s *Store, n int, memoryType string) []model.Memory {
	t.Helper()
	out := make([]model.Memory, 0, n)
	for i := 0; i < n; i++ {
		m, err := s.Store(context.Background(), StoreInput{Content: "note", MemoryType: memoryType, AgentType: "a"})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestRetrieveOverFetchesAndTruncates(t *testing.T) {
	s, repo, idx := newTestStore()
	seeded := seedIndexed(t, s, 6, model.MemoryTypeEpisodic)

	got, err := s.Retrieve(context.Background(), RetrieveInput{Query: "note", TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, idx.lastK)
	require.Len(t, got, 2)

	// Search rank order is preserved.
	assert.Equal(t, seeded[0].ID, got[0].ID)
	assert.Equal(t, seeded[1].ID, got[1].ID)

	// All four loaded rows were touched, including the two truncated away.
	for i, m := range seeded {
		want := 0
		if i < 4 {
			want = 1
		}
		assert.Equal(t, want, repo.get(m.ID).AccessCount, "memory %d", i)
	}
}

func TestRetrieveFilterCanUnderReturn(t *testing.T) {
	s, repo, _ := newTestStore()
	episodic := seedIndexed(t, s, 4, model.MemoryTypeEpisodic)
	semantic := seedIndexed(t, s, 2, model.MemoryTypeSemantic)

	// Over-fetch of 2*2 only reaches the episodic memories.
	got, err := s.Retrieve(context.Background(), RetrieveInput{Query: "note", MemoryType: model.MemoryTypeSemantic, TopK: 2})
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, m := range episodic {
		assert.Equal(t, 0, repo.get(m.ID).AccessCount)
	}
	for _, m := range semantic {
		assert.Equal(t, 0, repo.get(m.ID).AccessCount)
	}
}

func TestRetrieveSkipsStaleHits(t *testing.T) {
	s, repo, idx := newTestStore()
	m := seedIndexed(t, s, 1, model.MemoryTypeEpisodic)[0]
	idx.hits = []search.Hit{
		{ID: uuid.New(), Metadata: map[string]any{"memory_id": uuid.NewString()}},
		{ID: m.ID, Metadata: map[string]any{"memory_id": m.ID.String()}},
		{ID: m.ID, Metadata: map[string]any{"memory_id": m.ID.String()}},
	}

	got, err := s.Retrieve(context.Background(), RetrieveInput{Query: "note"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, repo.get(m.ID).AccessCount)
	require.NotNil(t, got[0].LastAccessed)
}

func TestRetrieveSearchFailureReturnsEmpty(t *testing.T) {
	s, _, idx := newTestStore()
	idx.searchErr = errors.New("timeout")
	got, err := s.Retrieve(context.Background(), RetrieveInput{Query: "note"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveValidation(t *testing.T) {
	s, _, _ := newTestStore()
	_, err := s.Retrieve(context.Background(), RetrieveInput{Query: " "})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = s.Retrieve(context.Background(), RetrieveInput{Query: "q", TopK: MaxTopK + 1})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestImportantDefaultsThreshold(t *testing.T) {
	s, repo, _ := newTestStore()
	for _, imp := range []float64{0.2, 0.69, 0.7, 0.95} {
		repo.put(model.Memory{ID: uuid.New(), AgentType: "a", MemoryType: "episodic", ImportanceScore: imp, CreatedAt: time.Now()})
	}
	got, err := s.Important(context.Background(), "", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.95, got[0].ImportanceScore)
	assert.Equal(t, 0.7, got[1].ImportanceScore)

	_, err = s.Important(context.Background(), "", ptr(2.0), 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDecryptFallsBackToStoredContent(t *testing.T) {
	s, _, _ := newTestStore()
	m := model.Memory{ID: uuid.New(), ContentEncrypted: ptr("garbage")}
	assert.Equal(t, "garbage", s.Decrypt(m))
	assert.Equal(t, "plain", s.Decrypt(model.Memory{Content: ptr("plain")}))
}

func TestContentUnknownMemory(t *testing.T) {
	s, _, _ := newTestStore()
	_, err := s.Content(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPruneIsConjunctive(t *testing.T) {
	s, repo, idx := newTestStore()
	now := time.Now().UTC()
	old := now.Add(-120 * 24 * time.Hour)

	doomed := model.Memory{ID: uuid.New(), ImportanceScore: 0.1, CreatedAt: old}
	important := model.Memory{ID: uuid.New(), ImportanceScore: 0.8, CreatedAt: old}
	accessed := model.Memory{ID: uuid.New(), ImportanceScore: 0.1, AccessCount: 3, CreatedAt: old}
	recent := model.Memory{ID: uuid.New(), ImportanceScore: 0.1, CreatedAt: now}
	for _, m := range []model.Memory{doomed, important, accessed, recent} {
		repo.put(m)
	}

	n, err := s.Prune(context.Background(), model.DefaultPrunePolicy())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NotContains(t, repo.memories, doomed.ID)
	assert.Contains(t, repo.memories, important.ID)
	assert.Contains(t, repo.memories, accessed.ID)
	assert.Contains(t, repo.memories, recent.ID)
	assert.Equal(t, []uuid.UUID{doomed.ID}, idx.deleted)
}

func TestPruneRejectsBadPolicy(t *testing.T) {
	s, _, _ := newTestStore()
	_, err := s.Prune(context.Background(), model.PrunePolicy{MaxAge: 0, MinImportance: 0.3, MinAccessCount: 1})
	assert.ErrorIs(t, err, model.ErrValidation)
}
