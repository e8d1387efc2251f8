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
	"github.com/ashita-ai/kensa/internal/testutil"
)

func TestReindexerPicksUpFailedAndUnattempted(t *testing.T) {
	s, repo, idx := newTestStore()
	old := time.Now().UTC().Add(-time.Hour)
	failed := model.EmbeddingFailed
	indexed := model.EmbeddingIndexed

	pendingPlain := model.Memory{ID: uuid.New(), MemoryType: "episodic", AgentType: "a", Content: ptr("plain"), CreatedAt: old}
	pendingEnc := model.Memory{ID: uuid.New(), MemoryType: "episodic", AgentType: "a", ContentEncrypted: ptr("enc:terces"), EmbeddingStored: &failed, CreatedAt: old}
	done := model.Memory{ID: uuid.New(), MemoryType: "episodic", AgentType: "a", Content: ptr("x"), EmbeddingStored: &indexed, CreatedAt: old}
	fresh := model.Memory{ID: uuid.New(), MemoryType: "episodic", AgentType: "a", Content: ptr("y"), CreatedAt: time.Now().UTC()}
	for _, m := range []model.Memory{pendingPlain, pendingEnc, done, fresh} {
		repo.put(m)
	}

	r := NewReindexer(s, testutil.TestLogger(), time.Minute, 5*time.Minute, 0)
	assert.Equal(t, 2, r.RunOnce(context.Background()))

	require.Len(t, idx.docs, 2)
	byID := map[uuid.UUID]string{}
	for _, d := range idx.docs {
		byID[d.ID] = d.Payload
	}
	assert.Equal(t, "plain", byID[pendingPlain.ID])
	assert.Empty(t, byID[pendingEnc.ID])

	assert.Equal(t, model.EmbeddingIndexed, *repo.get(pendingPlain.ID).EmbeddingStored)
	assert.Equal(t, model.EmbeddingIndexed, *repo.get(pendingEnc.ID).EmbeddingStored)
	assert.Nil(t, repo.get(fresh.ID).EmbeddingStored)
}

func TestReindexerSkipsUndecryptable(t *testing.T) {
	s, repo, idx := newTestStore()
	repo.put(model.Memory{ID: uuid.New(), ContentEncrypted: ptr("foreign"), CreatedAt: time.Now().Add(-time.Hour)})

	r := NewReindexer(s, testutil.TestLogger(), time.Minute, time.Minute, 10)
	assert.Equal(t, 0, r.RunOnce(context.Background()))
	assert.Empty(t, idx.docs)
}

func TestReindexerUndecryptableRowsDoNotStarveNewerOnes(t *testing.T) {
	s, repo, idx := newTestStore()
	base := time.Now().UTC().Add(-time.Hour)
	var foreign []uuid.UUID
	for i := range 3 {
		m := model.Memory{ID: uuid.New(), AgentType: "a", ContentEncrypted: ptr("rotated-key"), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		repo.put(m)
		foreign = append(foreign, m.ID)
	}
	good := model.Memory{ID: uuid.New(), AgentType: "a", Content: ptr("plain"), CreatedAt: base.Add(time.Minute)}
	repo.put(good)

	r := NewReindexer(s, testutil.TestLogger(), time.Minute, time.Minute, 2)
	indexed := 0
	for range 3 {
		indexed += r.RunOnce(context.Background())
	}

	assert.Equal(t, 1, indexed)
	require.Len(t, idx.docs, 1)
	assert.Equal(t, good.ID, idx.docs[0].ID)
	require.NotNil(t, repo.get(good.ID).EmbeddingStored)
	assert.Equal(t, model.EmbeddingIndexed, *repo.get(good.ID).EmbeddingStored)
	for _, id := range foreign {
		require.NotNil(t, repo.get(id).EmbeddingStored)
		assert.Equal(t, model.EmbeddingSkipped, *repo.get(id).EmbeddingStored)
	}
}

func TestReindexerLeavesStatusOnIndexFailure(t *testing.T) {
	s, repo, idx := newTestStore()
	idx.addErr = errors.New("down")
	m := model.Memory{ID: uuid.New(), Content: ptr("x"), CreatedAt: time.Now().Add(-time.Hour)}
	repo.put(m)

	r := NewReindexer(s, testutil.TestLogger(), time.Minute, time.Minute, 10)
	assert.Equal(t, 0, r.RunOnce(context.Background()))
	assert.Nil(t, repo.get(m.ID).EmbeddingStored)
}

func TestReindexerDrainRunsFinalPass(t *testing.T) {
	s, repo, _ := newTestStore()
	m := model.Memory{ID: uuid.New(), Content: ptr("x"), CreatedAt: time.Now().Add(-time.Hour)}
	repo.put(m)

	r := NewReindexer(s, testutil.TestLogger(), time.Hour, time.Minute, 10)
	r.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Drain(ctx)

	require.NotNil(t, repo.get(m.ID).EmbeddingStored)
	assert.Equal(t, model.EmbeddingIndexed, *repo.get(m.ID).EmbeddingStored)
}
