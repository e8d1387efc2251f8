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

const runColumns = `id, agent_type, task_description, input_data, output_data, status, parent_run_id,
	user_id, started_at, completed_at, duration_seconds, error_message`

// CreateRun inserts a new run. The caller assigns ID, StartedAt and Status.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	if run.InputData == nil {
		run.InputData = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, agent_type, task_description, input_data, status, parent_run_id, user_id, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.AgentType, run.TaskDescription, run.InputData,
		string(run.Status), run.ParentRunID, run.UserID, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a running run to a terminal status. The duration is
// computed in the same statement from the stored started_at, so it always
// equals completed_at - started_at. Returns ErrNotFound for an unknown id and
// model.ErrAlreadyTerminal when the run has already completed.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, errMsg *string, completedAt time.Time) (model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE agent_runs
		 SET status = $2, output_data = $3, error_message = $4, completed_at = $5,
		     duration_seconds = EXTRACT(EPOCH FROM ($5::timestamptz - started_at))::double precision
		 WHERE id = $1 AND status = 'running'
		 RETURNING `+runColumns,
		id, string(status), output, errMsg, completedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: complete run: %w", err)
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: complete run: %w", err)
	}

	// Nothing updated: distinguish an unknown run from a finished one.
	var current string
	err = db.pool.QueryRow(ctx, `SELECT status FROM agent_runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: complete run: %w", err)
	}
	return model.Run{}, fmt.Errorf("storage: run %s is %s: %w", id, current, model.ErrAlreadyTerminal)
}

// ListChildRuns returns the direct children of a run, oldest first.
func (db *DB) ListChildRuns(ctx context.Context, parentID uuid.UUID) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE parent_run_id = $1 ORDER BY started_at, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list child runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("storage: scan child runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.CollectableRow) (model.Run, error) {
	var r model.Run
	var status string
	err := row.Scan(
		&r.ID, &r.AgentType, &r.TaskDescription, &r.InputData, &r.OutputData, &status, &r.ParentRunID,
		&r.UserID, &r.StartedAt, &r.CompletedAt, &r.DurationSeconds, &r.ErrorMessage,
	)
	r.Status = model.RunStatus(status)
	return r, err
}
