package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus mirrors RunStatus for workflow executions.
type WorkflowStatus string

const (
	WorkflowStatusRunning WorkflowStatus = "running"
	WorkflowStatusSuccess WorkflowStatus = "success"
	WorkflowStatusFailed  WorkflowStatus = "failed"
)

// WorkflowProviderVerification is the only workflow type currently defined.
const WorkflowProviderVerification = "provider_verification"

// Pipeline step names, in execution order.
const (
	StepNPILookup = "npi_lookup"
	StepGeocoding = "geocoding"
	StepStorage   = "storage"
	StepFinalize  = "finalize"
)

// WorkflowExecution is one instance of the provider verification pipeline.
// Progress is non-decreasing; StepsCompleted and Evidence are append-only.
type WorkflowExecution struct {
	ID                 uuid.UUID       `json:"id"`
	WorkflowType       string          `json:"workflow_type"`
	InputParams        map[string]any  `json:"input_params"`
	Status             WorkflowStatus  `json:"status"`
	ProgressPercentage int             `json:"progress_percentage"`
	CurrentStep        *string         `json:"current_step,omitempty"`
	StepsCompleted     []string        `json:"steps_completed"`
	Evidence           []EvidenceEntry `json:"evidence"`
	Results            map[string]any  `json:"results,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	UserID             *string         `json:"user_id,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// EvidenceEntry records what a step observed, or the error it hit.
// Data and Error are mutually exclusive.
type EvidenceEntry struct {
	Step      string         `json:"step"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
