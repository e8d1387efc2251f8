package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

const workflowColumns = `id, workflow_type, input_params, status, progress_percentage, current_step,
	steps_completed, evidence, results, error_message, user_id, started_at, completed_at`

// ErrWorkflowNotRunning is returned by step transitions on a terminal execution.
var ErrWorkflowNotRunning = errors.New("storage: workflow execution is not running")

// CreateWorkflowExecution inserts a new execution in the running state.
func (db *DB) CreateWorkflowExecution(ctx context.Context, we model.WorkflowExecution) error {
	if we.InputParams == nil {
		we.InputParams = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_executions (id, workflow_type, input_params, status, progress_percentage, user_id, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		we.ID, we.WorkflowType, we.InputParams, string(we.Status), we.ProgressPercentage, we.UserID, we.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create workflow execution: %w", err)
	}
	return nil
}

// GetWorkflowExecution retrieves an execution by ID.
func (db *DB) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (model.WorkflowExecution, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+workflowColumns+` FROM workflow_executions WHERE id = $1`, id)
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("storage: get workflow execution: %w", err)
	}
	we, err := pgx.CollectExactlyOneRow(rows, scanWorkflow)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowExecution{}, fmt.Errorf("storage: workflow execution %s: %w", id, ErrNotFound)
		}
		return model.WorkflowExecution{}, fmt.Errorf("storage: get workflow execution: %w", err)
	}
	return we, nil
}

// BeginWorkflowStep marks step as in flight and raises progress to at least
// progress. Progress never decreases.
func (db *DB) BeginWorkflowStep(ctx context.Context, id uuid.UUID, step string, progress int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_executions
		 SET current_step = $2, progress_percentage = GREATEST(progress_percentage, $3)
		 WHERE id = $1 AND status = 'running'`,
		id, step, progress,
	)
	if err != nil {
		return fmt.Errorf("storage: begin workflow step %s: %w", step, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotRunning, id)
	}
	return nil
}

// CompleteWorkflowStep appends step to steps_completed and evidence to the
// evidence trail in one statement.
func (db *DB) CompleteWorkflowStep(ctx context.Context, id uuid.UUID, step string, evidence []model.EvidenceEntry) error {
	if evidence == nil {
		evidence = []model.EvidenceEntry{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_executions
		 SET steps_completed = array_append(steps_completed, $2), evidence = evidence || $3::jsonb
		 WHERE id = $1 AND status = 'running'`,
		id, step, evidence,
	)
	if err != nil {
		return fmt.Errorf("storage: complete workflow step %s: %w", step, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotRunning, id)
	}
	return nil
}

// SucceedWorkflow records the final step, results and progress 100 atomically.
func (db *DB) SucceedWorkflow(ctx context.Context, id uuid.UUID, finalStep string, results map[string]any, completedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_executions
		 SET status = 'success', progress_percentage = 100, current_step = NULL,
		     steps_completed = array_append(steps_completed, $2), results = $3, completed_at = $4
		 WHERE id = $1 AND status = 'running'`,
		id, finalStep, results, completedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: succeed workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotRunning, id)
	}
	return nil
}

// FailWorkflow moves a running execution to failed. Progress, steps and
// evidence gathered so far are left untouched.
func (db *DB) FailWorkflow(ctx context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_executions
		 SET status = 'failed', current_step = NULL, error_message = $2, completed_at = $3
		 WHERE id = $1 AND status = 'running'`,
		id, errMsg, completedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: fail workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotRunning, id)
	}
	return nil
}

// FailStaleWorkflows fails executions left running by a previous process.
// Called once at startup, before the scheduler accepts work.
func (db *DB) FailStaleWorkflows(ctx context.Context, startedBefore time.Time, errMsg string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_executions
		 SET status = 'failed', current_step = NULL, error_message = $2, completed_at = now()
		 WHERE status = 'running' AND started_at < $1`,
		startedBefore, errMsg,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fail stale workflows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanWorkflow(row pgx.CollectableRow) (model.WorkflowExecution, error) {
	var we model.WorkflowExecution
	var status string
	err := row.Scan(
		&we.ID, &we.WorkflowType, &we.InputParams, &status, &we.ProgressPercentage, &we.CurrentStep,
		&we.StepsCompleted, &we.Evidence, &we.Results, &we.ErrorMessage, &we.UserID, &we.StartedAt, &we.CompletedAt,
	)
	we.Status = model.WorkflowStatus(status)
	return we, err
}
