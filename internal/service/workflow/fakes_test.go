package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/integrations/geocode"
	"github.com/ashita-ai/kensa/internal/integrations/npi"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/runs"
	"github.com/ashita-ai/kensa/internal/testutil"
)

var errNotRunning = errors.New("not running")

type fakeStore struct {
	mu         sync.Mutex
	executions map[uuid.UUID]model.WorkflowExecution
	providers  map[string]model.Provider
	// progress observed after every write, per execution.
	progress map[uuid.UUID][]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: make(map[uuid.UUID]model.WorkflowExecution),
		providers:  make(map[string]model.Provider),
		progress:   make(map[uuid.UUID][]int),
	}
}

func (f *fakeStore) update(id uuid.UUID, fn func(*model.WorkflowExecution)) error {
	we, ok := f.executions[id]
	if !ok {
		return model.ErrNotFound
	}
	if we.Status != model.WorkflowStatusRunning {
		return errNotRunning
	}
	fn(&we)
	f.executions[id] = we
	f.progress[id] = append(f.progress[id], we.ProgressPercentage)
	return nil
}

func (f *fakeStore) CreateWorkflowExecution(_ context.Context, we model.WorkflowExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[we.ID] = we
	f.progress[we.ID] = []int{we.ProgressPercentage}
	return nil
}

func (f *fakeStore) GetWorkflowExecution(_ context.Context, id uuid.UUID) (model.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	we, ok := f.executions[id]
	if !ok {
		return model.WorkflowExecution{}, fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	return we, nil
}

func (f *fakeStore) BeginWorkflowStep(_ context.Context, id uuid.UUID, step string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update(id, func(we *model.WorkflowExecution) {
		we.CurrentStep = &step
		we.ProgressPercentage = max(we.ProgressPercentage, progress)
	})
}

func (f *fakeStore) CompleteWorkflowStep(_ context.Context, id uuid.UUID, step string, evidence []model.EvidenceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update(id, func(we *model.WorkflowExecution) {
		we.StepsCompleted = append(we.StepsCompleted, step)
		we.Evidence = append(we.Evidence, evidence...)
	})
}

func (f *fakeStore) SucceedWorkflow(_ context.Context, id uuid.UUID, finalStep string, results map[string]any, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update(id, func(we *model.WorkflowExecution) {
		we.Status = model.WorkflowStatusSuccess
		we.ProgressPercentage = 100
		we.CurrentStep = nil
		we.StepsCompleted = append(we.StepsCompleted, finalStep)
		we.Results = results
		we.CompletedAt = &completedAt
	})
}

func (f *fakeStore) FailWorkflow(_ context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.update(id, func(we *model.WorkflowExecution) {
		we.Status = model.WorkflowStatusFailed
		we.CurrentStep = nil
		we.ErrorMessage = &errMsg
		we.CompletedAt = &completedAt
	})
}

func (f *fakeStore) FailStaleWorkflows(_ context.Context, startedBefore time.Time, errMsg string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, we := range f.executions {
		if we.Status == model.WorkflowStatusRunning && we.StartedAt.Before(startedBefore) {
			msg := errMsg
			we.Status = model.WorkflowStatusFailed
			we.ErrorMessage = &msg
			we.CurrentStep = nil
			f.executions[id] = we
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetProviderByNPI(_ context.Context, number string) (model.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[number]
	if !ok {
		return model.Provider{}, model.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) CreateProvider(_ context.Context, p model.Provider) (model.Provider, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.providers[p.NPINumber]; ok {
		return existing, false, nil
	}
	f.providers[p.NPINumber] = p
	return p, true, nil
}

func (f *fakeStore) execution(id uuid.UUID) model.WorkflowExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions[id]
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.Run
}

func (f *fakeRuns) Start(_ context.Context, in runs.StartInput) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := model.Run{ID: uuid.New(), AgentType: in.AgentType, TaskDescription: in.TaskDescription,
		InputData: in.InputData, Status: model.RunStatusRunning, StartedAt: time.Now()}
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeRuns) Complete(_ context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, errMsg *string) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return model.Run{}, model.ErrNotFound
	}
	if r.Status.Terminal() {
		return model.Run{}, model.ErrAlreadyTerminal
	}
	r.Status, r.OutputData, r.ErrorMessage = status, output, errMsg
	f.runs[id] = r
	return r, nil
}

func (f *fakeRuns) byExecution(id uuid.UUID) (model.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.InputData["execution_id"] == id.String() {
			return r, true
		}
	}
	return model.Run{}, false
}

type fakeRegistry struct {
	records map[string]npi.Record
	err     error
}

func (f fakeRegistry) Lookup(_ context.Context, number string) (npi.Record, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	rec, ok := f.records[number]
	return rec, ok, nil
}

type fakeGeocoder struct {
	coords geocode.Coordinates
	found  bool
	err    error
	panics bool
	calls  int
	mu     sync.Mutex
}

func (f *fakeGeocoder) Geocode(context.Context, geocode.Address) (geocode.Coordinates, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		var m map[string]int
		m["boom"]++
	}
	return f.coords, f.found, f.err
}

const testNPI = "1234567893"

func registryRecord(withAddress bool) npi.Record {
	rec := npi.Record{
		"number": testNPI,
		"basic":  map[string]any{"first_name": "JANE", "last_name": "DOE"},
		"taxonomies": []any{
			map[string]any{"code": "207RC0000X", "desc": "Cardiovascular Disease", "primary": true},
		},
	}
	if withAddress {
		rec["addresses"] = []any{map[string]any{
			"address_purpose": "LOCATION",
			"address_1":       "1 MAIN ST",
			"city":            "BOSTON",
			"state":           "MA",
			"postal_code":     "02115",
		}}
	}
	return rec
}

type harness struct {
	exec      *Executor
	store     *fakeStore
	runs      *fakeRuns
	geocoder  *fakeGeocoder
	scheduler *Scheduler
}

func newHarness(reg fakeRegistry, geo *fakeGeocoder) *harness {
	store := newFakeStore()
	fr := &fakeRuns{runs: make(map[uuid.UUID]model.Run)}
	sched := NewScheduler(2, testutil.TestLogger())
	return &harness{
		exec:      NewExecutor(store, fr, reg, geo, sched, testutil.TestLogger()),
		store:     store,
		runs:      fr,
		geocoder:  geo,
		scheduler: sched,
	}
}

// wait blocks until every scheduled pipeline has finished.
func (h *harness) wait() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.scheduler.Drain(ctx)
}
