package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors shared by every layer. Match with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("already in a terminal state")
	ErrValidation      = errors.New("validation failed")
)

// ValidationError describes malformed caller input. It unwraps to ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for constructing a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Capability names used in ExternalServiceError.
const (
	CapabilityNPIRegistry   = "npi_registry"
	CapabilityGeocoder      = "geocoder"
	CapabilitySemanticIndex = "semantic_index"
	CapabilityEncryption    = "encryption"
)

// ExternalServiceError reports a capability call that failed after its
// retry budget was exhausted.
type ExternalServiceError struct {
	Capability string
	Err        error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IndexingError reports a failed semantic index write for a memory. It is
// logged and swallowed by the memory store, never returned from Store.
type IndexingError struct {
	MemoryID uuid.UUID
	Err      error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("index memory %s: %v", e.MemoryID, e.Err)
}

func (e *IndexingError) Unwrap() error { return e.Err }
