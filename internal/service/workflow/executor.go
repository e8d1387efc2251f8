// Package workflow runs the provider verification pipeline in the
// background and exposes its progress through the persisted execution
// record.
//
// The pipeline is npi_lookup → geocoding → storage → finalize. Each step is
// committed before the next begins, so a poller only ever sees committed
// state. A missing NPI halts the pipeline; a geocoding failure is recorded
// as evidence and the pipeline continues.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/integrations/geocode"
	"github.com/ashita-ai/kensa/internal/integrations/npi"
	"github.com/ashita-ai/kensa/internal/integrity"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/runs"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Evidence sources recorded by each step.
const (
	SourceNPIRegistry = "CMS NPI Registry"
	SourceGeocoder    = "Nominatim (OpenStreetMap)"
	SourceDatabase    = "Database"
)

// Progress checkpoints, persisted when each step begins.
const (
	progressNPILookup = 20
	progressGeocoding = 40
	progressStorage   = 60
)

// WorkflowAgentType tags the top-level run created for each execution.
const WorkflowAgentType = "workflow"

// ErrNPINotFound is the failure recorded when the registry has no record.
var ErrNPINotFound = errors.New("NPI not found")

// Store is the persistence surface the executor needs. *storage.DB satisfies it.
type Store interface {
	CreateWorkflowExecution(ctx context.Context, we model.WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id uuid.UUID) (model.WorkflowExecution, error)
	BeginWorkflowStep(ctx context.Context, id uuid.UUID, step string, progress int) error
	CompleteWorkflowStep(ctx context.Context, id uuid.UUID, step string, evidence []model.EvidenceEntry) error
	SucceedWorkflow(ctx context.Context, id uuid.UUID, finalStep string, results map[string]any, completedAt time.Time) error
	FailWorkflow(ctx context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error
	FailStaleWorkflows(ctx context.Context, startedBefore time.Time, errMsg string) (int64, error)
	GetProviderByNPI(ctx context.Context, npi string) (model.Provider, error)
	CreateProvider(ctx context.Context, p model.Provider) (model.Provider, bool, error)
}

// RunRecorder starts and completes runs. *runs.Tracker satisfies it.
type RunRecorder interface {
	Start(ctx context.Context, in runs.StartInput) (model.Run, error)
	Complete(ctx context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, errMsg *string) (model.Run, error)
}

// Registry is the identity lookup capability.
type Registry interface {
	Lookup(ctx context.Context, number string) (npi.Record, bool, error)
}

// Geocoder is the forward geocoding capability.
type Geocoder interface {
	Geocode(ctx context.Context, addr geocode.Address) (geocode.Coordinates, bool, error)
}

// StartInput requests a new workflow execution.
type StartInput struct {
	WorkflowType string
	NPINumber    string
	UserID       *string
}

// Executor creates workflow executions and runs their pipelines.
type Executor struct {
	store     Store
	runs      RunRecorder
	registry  Registry
	geocoder  Geocoder
	scheduler *Scheduler
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	duration  metric.Float64Histogram
	completed metric.Int64Counter
}

// NewExecutor wires an Executor. Pipelines are dispatched onto scheduler.
func NewExecutor(store Store, runRecorder RunRecorder, registry Registry, geocoder Geocoder, scheduler *Scheduler, logger *slog.Logger) *Executor {
	meter := telemetry.Meter("kensa/workflow")
	dur, _ := meter.Float64Histogram("kensa.workflow.duration",
		metric.WithDescription("Wall time of a workflow pipeline (ms)"),
		metric.WithUnit("ms"),
	)
	completed, _ := meter.Int64Counter("kensa.workflow.completed",
		metric.WithDescription("Workflow executions reaching a terminal status"),
	)
	return &Executor{
		store:     store,
		runs:      runRecorder,
		registry:  registry,
		geocoder:  geocoder,
		scheduler: scheduler,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    telemetry.Tracer("kensa/workflow"),
		duration:  dur,
		completed: completed,
	}
}

// Start records a new execution and its top-level run, schedules the
// pipeline and returns immediately. Every call creates new records; there is
// no dedup across identical inputs.
func (e *Executor) Start(ctx context.Context, in StartInput) (model.WorkflowExecution, error) {
	workflowType := in.WorkflowType
	if workflowType == "" {
		workflowType = model.WorkflowProviderVerification
	}
	if workflowType != model.WorkflowProviderVerification {
		return model.WorkflowExecution{}, model.Invalid("workflow_type", "unknown workflow type %q", workflowType)
	}
	number := strings.TrimSpace(in.NPINumber)
	if err := npi.ValidateNumber(number); err != nil {
		return model.WorkflowExecution{}, err
	}

	id := uuid.New()
	run, err := e.runs.Start(ctx, runs.StartInput{
		AgentType:       WorkflowAgentType,
		TaskDescription: fmt.Sprintf("%s workflow for NPI %s", workflowType, number),
		InputData:       map[string]any{"execution_id": id.String(), "npi_number": number},
		UserID:          in.UserID,
	})
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("workflow: start run: %w", err)
	}

	we := model.WorkflowExecution{
		ID:             id,
		WorkflowType:   workflowType,
		InputParams:    map[string]any{"npi_number": number, "run_id": run.ID.String()},
		Status:         model.WorkflowStatusRunning,
		StepsCompleted: []string{},
		Evidence:       []model.EvidenceEntry{},
		UserID:         in.UserID,
		StartedAt:      e.now(),
	}
	if err := e.store.CreateWorkflowExecution(ctx, we); err != nil {
		e.completeRun(ctx, run.ID, nil, err)
		return model.WorkflowExecution{}, fmt.Errorf("workflow: create execution: %w", err)
	}

	if err := e.scheduler.Go(ctx, func(taskCtx context.Context) {
		e.execute(taskCtx, id, number, run.ID)
	}); err != nil {
		e.fail(ctx, id, err)
		e.completeRun(ctx, run.ID, nil, err)
		return model.WorkflowExecution{}, err
	}

	e.logger.Info("workflow scheduled", "execution_id", id, "run_id", run.ID, "npi_number", number)
	return we, nil
}

// Status returns the current execution record.
func (e *Executor) Status(ctx context.Context, id uuid.UUID) (model.WorkflowExecution, error) {
	we, err := e.store.GetWorkflowExecution(ctx, id)
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("workflow: status: %w", err)
	}
	return we, nil
}

// Evidence returns the evidence trail gathered so far, in pipeline order.
func (e *Executor) Evidence(ctx context.Context, id uuid.UUID) (model.WorkflowEvidenceResponse, error) {
	we, err := e.Status(ctx, id)
	if err != nil {
		return model.WorkflowEvidenceResponse{}, err
	}
	ev := we.Evidence
	if ev == nil {
		ev = []model.EvidenceEntry{}
	}
	return model.WorkflowEvidenceResponse{ExecutionID: we.ID, Status: we.Status, Evidence: ev}, nil
}

// RecoverStale fails executions left running by a previous process. Call it
// before accepting new work.
func (e *Executor) RecoverStale(ctx context.Context) (int64, error) {
	n, err := e.store.FailStaleWorkflows(ctx, e.now(), "interrupted by process restart")
	if err != nil {
		return 0, fmt.Errorf("workflow: recover stale: %w", err)
	}
	if n > 0 {
		e.logger.Warn("workflow: failed executions interrupted by restart", "count", n)
	}
	return n, nil
}

// InFlight reports scheduled pipelines that have not finished.
func (e *Executor) InFlight() int {
	return e.scheduler.InFlight()
}

// pipeline carries per-execution state between steps.
type pipeline struct {
	id       uuid.UUID
	number   string
	provider model.Provider
	stored   model.Provider
	current  string
}

func (e *Executor) execute(ctx context.Context, id uuid.UUID, number string, runID uuid.UUID) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "workflow.provider_verification",
		trace.WithAttributes(attribute.String("kensa.execution_id", id.String())))
	defer span.End()

	p := &pipeline{id: id, number: number}
	results, err := e.runRecovered(ctx, p)

	status := model.WorkflowStatusSuccess
	if err != nil {
		status = model.WorkflowStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.fail(ctx, id, err)
		e.logger.Warn("workflow failed", "execution_id", id, "error", err)
	} else {
		e.logger.Info("workflow succeeded", "execution_id", id, "provider_id", p.stored.ID)
	}
	e.completeRun(ctx, runID, results, err)

	e.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	e.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// runRecovered converts a panic in any step into a pipeline error so the
// execution and its run still reach a terminal state.
func (e *Executor) runRecovered(ctx context.Context, p *pipeline) (results map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow: step panicked", "execution_id", p.id, "step", p.current, "panic", r)
			results, err = nil, fmt.Errorf("%s: internal error: %v", p.current, r)
		}
	}()
	return e.runPipeline(ctx, p)
}

func (e *Executor) runPipeline(ctx context.Context, p *pipeline) (map[string]any, error) {
	if err := e.step(ctx, p, model.StepNPILookup, progressNPILookup, e.lookup); err != nil {
		return nil, err
	}
	if err := e.step(ctx, p, model.StepGeocoding, progressGeocoding, e.locate); err != nil {
		return nil, err
	}
	if err := e.step(ctx, p, model.StepStorage, progressStorage, e.persist); err != nil {
		return nil, err
	}

	p.current = model.StepFinalize
	results := map[string]any{
		"provider_id":           p.stored.ID.String(),
		"npi_number":            p.number,
		"verification_complete": true,
	}
	if err := e.store.SucceedWorkflow(ctx, p.id, model.StepFinalize, results, e.now()); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	return results, nil
}

type stepFunc func(ctx context.Context, p *pipeline) ([]model.EvidenceEntry, error)

// step persists the checkpoint, runs fn and commits the step with its
// evidence. A step error halts the pipeline without recording the step.
func (e *Executor) step(ctx context.Context, p *pipeline, name string, progress int, fn stepFunc) error {
	ctx, span := e.tracer.Start(ctx, "workflow.step."+name)
	defer span.End()
	p.current = name

	if err := e.store.BeginWorkflowStep(ctx, p.id, name, progress); err != nil {
		return err
	}
	evidence, err := fn(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return e.store.CompleteWorkflowStep(ctx, p.id, name, evidence)
}

func (e *Executor) lookup(ctx context.Context, p *pipeline) ([]model.EvidenceEntry, error) {
	rec, found, err := e.registry.Lookup(ctx, p.number)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNPINotFound
	}
	p.provider = npi.ParseProvider(rec)
	if p.provider.NPINumber == "" {
		p.provider.NPINumber = p.number
	}
	return []model.EvidenceEntry{{
		Step:   model.StepNPILookup,
		Source: SourceNPIRegistry,
		Data: map[string]any{
			"npi":      p.number,
			"name":     p.provider.DisplayName(),
			"taxonomy": p.provider.TaxonomyDescription,
		},
		Timestamp: e.now(),
	}}, nil
}

// locate never fails the pipeline. Capability errors become error evidence
// and the provider keeps unset coordinates.
func (e *Executor) locate(ctx context.Context, p *pipeline) ([]model.EvidenceEntry, error) {
	if !p.provider.HasAddress() {
		return nil, nil
	}
	coords, found, err := e.geocoder.Geocode(ctx, geocode.Address{
		Line1:      p.provider.AddressLine1,
		City:       p.provider.City,
		State:      p.provider.State,
		PostalCode: p.provider.PostalCode,
	})
	entry := model.EvidenceEntry{Step: model.StepGeocoding, Source: SourceGeocoder, Timestamp: e.now()}
	switch {
	case err != nil:
		e.logger.Warn("workflow: geocoding failed, continuing", "execution_id", p.id, "error", err)
		entry.Error = err.Error()
	case !found:
		entry.Data = map[string]any{"matched": false, "address": p.provider.AddressLine1}
	default:
		lat, lon := coords.Latitude, coords.Longitude
		p.provider.Latitude, p.provider.Longitude = &lat, &lon
		entry.Data = map[string]any{"latitude": lat, "longitude": lon, "address": p.provider.AddressLine1}
	}
	return []model.EvidenceEntry{entry}, nil
}

// persist stores the provider unless one with the same NPI already exists.
func (e *Executor) persist(ctx context.Context, p *pipeline) ([]model.EvidenceEntry, error) {
	existing, err := e.store.GetProviderByNPI(ctx, p.provider.NPINumber)
	created := false
	switch {
	case err == nil:
		p.stored = existing
	case errors.Is(err, model.ErrNotFound):
		prov := p.provider
		hash, err := integrity.ComputeRecordHash(prov.RawData)
		if err != nil {
			return nil, fmt.Errorf("integrity hash: %w", err)
		}
		now := e.now()
		prov.ID = uuid.New()
		prov.IntegrityHash = hash
		prov.LastVerified = now
		prov.CreatedAt = now
		prov.UpdatedAt = now
		p.stored, created, err = e.store.CreateProvider(ctx, prov)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return []model.EvidenceEntry{{
		Step:   model.StepStorage,
		Source: SourceDatabase,
		Data: map[string]any{
			"provider_id": p.stored.ID.String(),
			"stored":      true,
			"created":     created,
		},
		Timestamp: e.now(),
	}}, nil
}

func (e *Executor) fail(ctx context.Context, id uuid.UUID, cause error) {
	if err := e.store.FailWorkflow(ctx, id, cause.Error(), e.now()); err != nil {
		e.logger.Error("workflow: record failure", "execution_id", id, "cause", cause, "error", err)
	}
}

// completeRun mirrors the execution outcome onto its top-level run.
func (e *Executor) completeRun(ctx context.Context, runID uuid.UUID, results map[string]any, cause error) {
	status := model.RunStatusSuccess
	var msg *string
	if cause != nil {
		status = model.RunStatusFailed
		s := cause.Error()
		msg = &s
		results = nil
	}
	if _, err := e.runs.Complete(ctx, runID, status, results, msg); err != nil {
		e.logger.Error("workflow: complete run", "run_id", runID, "error", err)
	}
}
