// Package model defines the core domain types for Kensa.
//
// Types map directly onto database rows and API payloads. They use strong
// typing (UUIDs, time.Time, string enums) and keep opaque payloads as
// map[string]any only where the caller owns the shape.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// Run is one recorded execution attempt by a logical agent. Runs form a
// tree through ParentRunID and are never deleted.
type Run struct {
	ID              uuid.UUID      `json:"id"`
	AgentType       string         `json:"agent_type"`
	TaskDescription string         `json:"task_description"`
	InputData       map[string]any `json:"input_data"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	Status          RunStatus      `json:"status"`
	ParentRunID     *uuid.UUID     `json:"parent_run_id,omitempty"`
	UserID          *string        `json:"user_id,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
}

// RunHierarchy is a run together with its direct children.
type RunHierarchy struct {
	Run      Run   `json:"run"`
	Children []Run `json:"children"`
}
