package runs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/testutil"
)

type fakeStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.Run
	seq  []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[uuid.UUID]model.Run)}
}

func (f *fakeStore) CreateRun(_ context.Context, run model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	f.seq = append(f.seq, run.ID)
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return model.Run{}, model.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) CompleteRun(_ context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, errMsg *string, completedAt time.Time) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return model.Run{}, model.ErrNotFound
	}
	if run.Status.Terminal() {
		return model.Run{}, model.ErrAlreadyTerminal
	}
	d := completedAt.Sub(run.StartedAt).Seconds()
	run.Status, run.OutputData, run.ErrorMessage = status, output, errMsg
	run.CompletedAt, run.DurationSeconds = &completedAt, &d
	f.runs[id] = run
	return run, nil
}

func (f *fakeStore) ListChildRuns(_ context.Context, parentID uuid.UUID) ([]model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Run
	for _, id := range f.seq {
		if r := f.runs[id]; r.ParentRunID != nil && *r.ParentRunID == parentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestTracker() (*Tracker, *fakeStore) {
	store := newFakeStore()
	return NewTracker(store, testutil.TestLogger()), store
}

func TestStartRecordsRunningRun(t *testing.T) {
	tr, store := newTestTracker()
	run, err := tr.Start(context.Background(), StartInput{
		AgentType:       "provider_lookup",
		TaskDescription: "Lookup provider NPI 1234567893",
		InputData:       map[string]any{"npi_number": "1234567893"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)
	assert.Contains(t, store.runs, run.ID)
}

func TestStartValidation(t *testing.T) {
	tr, _ := newTestTracker()
	tests := []struct {
		name string
		in   StartInput
	}{
		{"missing agent type", StartInput{TaskDescription: "x"}},
		{"blank task", StartInput{AgentType: "a", TaskDescription: "  "}},
		{"agent type too long", StartInput{AgentType: string(make([]byte, model.MaxAgentTypeLen+1)), TaskDescription: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Start(context.Background(), tt.in)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestStartKeepsUnknownParent(t *testing.T) {
	tr, _ := newTestTracker()
	parent := uuid.New()
	run, err := tr.Start(context.Background(), StartInput{AgentType: "a", TaskDescription: "t", ParentRunID: &parent})
	require.NoError(t, err)
	require.NotNil(t, run.ParentRunID)
	assert.Equal(t, parent, *run.ParentRunID)
}

func TestCompleteOnce(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	run, err := tr.Start(ctx, StartInput{AgentType: "a", TaskDescription: "t"})
	require.NoError(t, err)

	done, err := tr.Complete(ctx, run.ID, model.RunStatusSuccess, map[string]any{"ok": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, done.Status)
	require.NotNil(t, done.DurationSeconds)
	assert.GreaterOrEqual(t, *done.DurationSeconds, 0.0)

	_, err = tr.Complete(ctx, run.ID, model.RunStatusFailed, nil, nil)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
}

func TestCompleteRejectsRunningStatus(t *testing.T) {
	tr, _ := newTestTracker()
	_, err := tr.Complete(context.Background(), uuid.New(), model.RunStatusRunning, nil, nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCompleteUnknownRun(t *testing.T) {
	tr, _ := newTestTracker()
	_, err := tr.Complete(context.Background(), uuid.New(), model.RunStatusSuccess, nil, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHierarchyDirectChildrenOnly(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	root, err := tr.Start(ctx, StartInput{AgentType: "orchestrator", TaskDescription: "root"})
	require.NoError(t, err)
	child, err := tr.Start(ctx, StartInput{AgentType: "npi", TaskDescription: "child", ParentRunID: &root.ID})
	require.NoError(t, err)
	_, err = tr.Start(ctx, StartInput{AgentType: "geo", TaskDescription: "grandchild", ParentRunID: &child.ID})
	require.NoError(t, err)

	h, err := tr.Hierarchy(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, h.Run.ID)
	require.Len(t, h.Children, 1)
	assert.Equal(t, child.ID, h.Children[0].ID)

	leaf, err := tr.Hierarchy(ctx, h.Children[0].ID)
	require.NoError(t, err)
	assert.Len(t, leaf.Children, 1)
}

func TestHierarchyUnknownRun(t *testing.T) {
	tr, _ := newTestTracker()
	_, err := tr.Hierarchy(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}
