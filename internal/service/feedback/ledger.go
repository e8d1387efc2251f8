// Package feedback attaches scored human feedback to runs.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// Store is the persistence surface the ledger needs. *storage.DB satisfies it.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	CreateFeedbackSignal(ctx context.Context, s model.FeedbackSignal) error
	ListFeedbackForRun(ctx context.Context, runID uuid.UUID) ([]model.FeedbackSignal, error)
}

// ApplyInput is one feedback submission.
type ApplyInput struct {
	RunID        uuid.UUID
	FeedbackType model.FeedbackType
	Value        float64
	Text         *string
	UserID       *string
}

// Ledger records feedback signals. Signals are stored for later policy work
// and not acted on here.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Apply validates and persists a feedback signal. The run must exist; its
// agent type is copied onto the signal.
func (l *Ledger) Apply(ctx context.Context, in ApplyInput) (model.FeedbackSignal, error) {
	if !in.FeedbackType.Valid() {
		return model.FeedbackSignal{}, model.Invalid("feedback_type", "must be one of correction, approval, rejection")
	}
	if math.IsNaN(in.Value) || in.Value < -1 || in.Value > 1 {
		return model.FeedbackSignal{}, model.Invalid("feedback_value", "must be between -1 and 1")
	}
	if in.Text != nil && len(*in.Text) > model.MaxFeedbackTextLen {
		return model.FeedbackSignal{}, model.Invalid("feedback_text", "must be at most %d bytes", model.MaxFeedbackTextLen)
	}

	run, err := l.store.GetRun(ctx, in.RunID)
	if err != nil {
		return model.FeedbackSignal{}, fmt.Errorf("feedback: %w", err)
	}

	sig := model.FeedbackSignal{
		ID:            uuid.New(),
		RunID:         run.ID,
		AgentType:     run.AgentType,
		FeedbackType:  in.FeedbackType,
		FeedbackValue: in.Value,
		FeedbackText:  in.Text,
		UserID:        in.UserID,
		CreatedAt:     l.now(),
	}
	if err := l.store.CreateFeedbackSignal(ctx, sig); err != nil {
		return model.FeedbackSignal{}, fmt.Errorf("feedback: %w", err)
	}
	l.logger.Info("feedback recorded", "run_id", run.ID, "agent_type", run.AgentType, "type", in.FeedbackType, "value", in.Value)
	return sig, nil
}

// ForRun lists the feedback attached to a run.
func (l *Ledger) ForRun(ctx context.Context, runID uuid.UUID) ([]model.FeedbackSignal, error) {
	out, err := l.store.ListFeedbackForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("feedback: %w", err)
	}
	if out == nil {
		out = []model.FeedbackSignal{}
	}
	return out, nil
}
