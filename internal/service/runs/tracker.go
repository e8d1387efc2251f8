// Package runs records agent runs and the parent/child tree they form.
//
// The HTTP API, the MCP tools and the orchestrator all go through Tracker
// so lifecycle rules are enforced in one place.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Store is the persistence surface the tracker needs. *storage.DB satisfies it.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, errMsg *string, completedAt time.Time) (model.Run, error)
	ListChildRuns(ctx context.Context, parentID uuid.UUID) ([]model.Run, error)
}

// StartInput describes a new run.
type StartInput struct {
	AgentType       string
	TaskDescription string
	InputData       map[string]any
	ParentRunID     *uuid.UUID
	UserID          *string
}

// Tracker creates, completes and reads runs.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	started   metric.Int64Counter
	completed metric.Int64Counter
}

// NewTracker builds a Tracker backed by store.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	meter := telemetry.Meter("kensa/runs")
	started, _ := meter.Int64Counter("kensa.runs.started",
		metric.WithDescription("Agent runs started"))
	completed, _ := meter.Int64Counter("kensa.runs.completed",
		metric.WithDescription("Agent runs completed, by status"))
	return &Tracker{
		store:     store,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		started:   started,
		completed: completed,
	}
}

// Start records a new run in the running state. The parent id is stored as
// given; it is not checked for existence.
func (t *Tracker) Start(ctx context.Context, in StartInput) (model.Run, error) {
	agentType := strings.TrimSpace(in.AgentType)
	if agentType == "" {
		return model.Run{}, model.Invalid("agent_type", "is required")
	}
	if len(agentType) > model.MaxAgentTypeLen {
		return model.Run{}, model.Invalid("agent_type", "must be at most %d characters", model.MaxAgentTypeLen)
	}
	if strings.TrimSpace(in.TaskDescription) == "" {
		return model.Run{}, model.Invalid("task_description", "is required")
	}
	if len(in.TaskDescription) > model.MaxTaskDescriptionLen {
		return model.Run{}, model.Invalid("task_description", "must be at most %d bytes", model.MaxTaskDescriptionLen)
	}

	input := in.InputData
	if input == nil {
		input = map[string]any{}
	}
	run := model.Run{
		ID:              uuid.New(),
		AgentType:       agentType,
		TaskDescription: in.TaskDescription,
		InputData:       input,
		Status:          model.RunStatusRunning,
		ParentRunID:     in.ParentRunID,
		UserID:          in.UserID,
		StartedAt:       t.now(),
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return model.Run{}, fmt.Errorf("runs: start: %w", err)
	}
	t.started.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_type", agentType)))
	t.logger.Debug("run started", "run_id", run.ID, "agent_type", agentType, "parent_run_id", in.ParentRunID)
	return run, nil
}

// Complete moves a running run to success or failed. Completing a run twice
// returns model.ErrAlreadyTerminal; an unknown id returns model.ErrNotFound.
func (t *Tracker) Complete(ctx context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, errMsg *string) (model.Run, error) {
	if !status.Terminal() {
		return model.Run{}, model.Invalid("status", "must be %q or %q", model.RunStatusSuccess, model.RunStatusFailed)
	}
	run, err := t.store.CompleteRun(ctx, id, status, output, errMsg, t.now())
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: complete: %w", err)
	}
	t.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_type", run.AgentType),
		attribute.String("status", string(status)),
	))
	return run, nil
}

// Get returns a single run.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := t.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: get: %w", err)
	}
	return run, nil
}

// Hierarchy returns a run with its direct children. Grandchildren are not
// included.
func (t *Tracker) Hierarchy(ctx context.Context, id uuid.UUID) (model.RunHierarchy, error) {
	run, err := t.store.GetRun(ctx, id)
	if err != nil {
		return model.RunHierarchy{}, fmt.Errorf("runs: hierarchy: %w", err)
	}
	children, err := t.store.ListChildRuns(ctx, id)
	if err != nil {
		return model.RunHierarchy{}, fmt.Errorf("runs: hierarchy: %w", err)
	}
	if children == nil {
		children = []model.Run{}
	}
	return model.RunHierarchy{Run: run, Children: children}, nil
}
