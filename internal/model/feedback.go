package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackType classifies a human feedback signal.
type FeedbackType string

const (
	FeedbackCorrection FeedbackType = "correction"
	FeedbackApproval   FeedbackType = "approval"
	FeedbackRejection  FeedbackType = "rejection"
)

// Valid reports whether t is a known feedback type.
func (t FeedbackType) Valid() bool {
	switch t {
	case FeedbackCorrection, FeedbackApproval, FeedbackRejection:
		return true
	}
	return false
}

// FeedbackSignal is scored human feedback attached to a run. Immutable.
type FeedbackSignal struct {
	ID            uuid.UUID    `json:"id"`
	RunID         uuid.UUID    `json:"run_id"`
	AgentType     string       `json:"agent_type"`
	FeedbackType  FeedbackType `json:"feedback_type"`
	FeedbackValue float64      `json:"feedback_value"`
	FeedbackText  *string      `json:"feedback_text,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}
