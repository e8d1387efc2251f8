package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

// CreateFeedbackSignal inserts an immutable feedback signal. A run_id that
// does not reference an existing run yields ErrNotFound.
func (db *DB) CreateFeedbackSignal(ctx context.Context, s model.FeedbackSignal) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO feedback_signals (id, run_id, agent_type, feedback_type, feedback_value, feedback_text, user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.RunID, s.AgentType, string(s.FeedbackType), s.FeedbackValue, s.FeedbackText, s.UserID, s.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: run %s: %w", s.RunID, ErrNotFound)
		}
		return fmt.Errorf("storage: create feedback signal: %w", err)
	}
	return nil
}

// ListFeedbackForRun returns the feedback attached to a run, oldest first.
func (db *DB) ListFeedbackForRun(ctx context.Context, runID uuid.UUID) ([]model.FeedbackSignal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, agent_type, feedback_type, feedback_value, feedback_text, user_id, created_at
		 FROM feedback_signals WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list feedback: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FeedbackSignal, error) {
		var s model.FeedbackSignal
		var ft string
		err := row.Scan(&s.ID, &s.RunID, &s.AgentType, &ft, &s.FeedbackValue, &s.FeedbackText, &s.UserID, &s.CreatedAt)
		s.FeedbackType = model.FeedbackType(ft)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan feedback: %w", err)
	}
	return out, nil
}
