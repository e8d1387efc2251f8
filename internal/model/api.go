package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits for free-text request fields.
const (
	MaxAgentTypeLen       = 100
	MaxTaskDescriptionLen = 4 * 1024
	MaxMemoryContentLen   = 64 * 1024 // 64 KB
	MaxFeedbackTextLen    = 8 * 1024
	MaxTags               = 32
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeUpstreamFailure = "UPSTREAM_FAILURE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	AgentType       string         `json:"agent_type"`
	TaskDescription string         `json:"task_description"`
	InputData       map[string]any `json:"input_data,omitempty"`
	ParentRunID     *uuid.UUID     `json:"parent_run_id,omitempty"`
}

// CompleteRunRequest is the request body for POST /v1/runs/{run_id}/complete.
type CompleteRunRequest struct {
	Status       RunStatus      `json:"status"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

// ProviderLookupRequest is the request body for POST /v1/agents/provider-lookup.
type ProviderLookupRequest struct {
	NPINumber string `json:"npi_number"`
}

// ProviderLookupResult is the outcome of the orchestrated provider lookup.
type ProviderLookupResult struct {
	Success  bool      `json:"success"`
	RunID    uuid.UUID `json:"run_id"`
	Provider *Provider `json:"provider,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// FeedbackRequest is the request body for POST /v1/feedback.
type FeedbackRequest struct {
	RunID         uuid.UUID    `json:"run_id"`
	FeedbackType  FeedbackType `json:"feedback_type"`
	FeedbackValue float64      `json:"feedback_value"`
	FeedbackText  *string      `json:"feedback_text,omitempty"`
}

// StoreMemoryRequest is the request body for POST /v1/memories.
type StoreMemoryRequest struct {
	Content         string     `json:"content"`
	MemoryType      string     `json:"memory_type"`
	AgentType       string     `json:"agent_type"`
	RelatedRunID    *uuid.UUID `json:"related_run_id,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	ImportanceScore *float64   `json:"importance_score,omitempty"`
	Encrypt         bool       `json:"encrypt"`
}

// SearchMemoryRequest is the request body for POST /v1/memories/search.
type SearchMemoryRequest struct {
	Query      string `json:"query"`
	MemoryType string `json:"memory_type,omitempty"`
	AgentType  string `json:"agent_type,omitempty"`
	TopK       int    `json:"top_k,omitempty"`
}

// PruneMemoryRequest is the request body for POST /v1/memories/prune.
// Zero values fall back to DefaultPrunePolicy.
type PruneMemoryRequest struct {
	MaxAgeDays     int      `json:"max_age_days,omitempty"`
	MinImportance  *float64 `json:"min_importance,omitempty"`
	MinAccessCount *int     `json:"min_access_count,omitempty"`
}

// PruneMemoryResponse reports how many memories were deleted.
type PruneMemoryResponse struct {
	Deleted int64 `json:"deleted"`
}

// MemoryContentResponse is the response for GET /v1/memories/{memory_id}/content.
type MemoryContentResponse struct {
	MemoryID uuid.UUID `json:"memory_id"`
	Content  string    `json:"content"`
}

// RunWorkflowRequest is the request body for POST /v1/workflows.
type RunWorkflowRequest struct {
	WorkflowType string `json:"workflow_type,omitempty"`
	NPINumber    string `json:"npi_number"`
}

// RunWorkflowResponse is returned immediately after a workflow is scheduled.
type RunWorkflowResponse struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	Status      WorkflowStatus `json:"status"`
}

// WorkflowEvidenceResponse is the response for GET /v1/workflows/{execution_id}/evidence.
type WorkflowEvidenceResponse struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Status      WorkflowStatus  `json:"status"`
	Evidence    []EvidenceEntry `json:"evidence"`
}

// AuthTokenRequest is the request body for POST /auth/token.
// Subject defaults to "admin"; Role defaults to "admin" and may be lowered
// to "agent" to mint a token for an automated caller.
type AuthTokenRequest struct {
	APIKey  string `json:"api_key"`
	Subject string `json:"subject,omitempty"`
	Role    string `json:"role,omitempty"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	SearchIndex string `json:"search_index"`
	Workflows   int    `json:"workflows_in_flight"`
	Uptime      int64  `json:"uptime_seconds"`
}
