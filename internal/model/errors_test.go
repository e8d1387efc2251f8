package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidationErrorUnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("memory: %w", Invalid("importance_score", "must be in [0,1], got %v", 1.5))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "memory: importance_score: must be in [0,1], got 1.5", err.Error())

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "importance_score", ve.Field)
}

func TestExternalServiceErrorCarriesCapability(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("workflow: %w", &ExternalServiceError{Capability: CapabilityGeocoder, Err: cause})

	var ext *ExternalServiceError
	assert.True(t, errors.As(err, &ext))
	assert.Equal(t, CapabilityGeocoder, ext.Capability)
	assert.ErrorIs(t, err, cause)
}

func TestIndexingErrorMessage(t *testing.T) {
	id := uuid.MustParse("6f2c1a44-3a8e-4cde-9d0b-0f4a3c1c9b11")
	err := &IndexingError{MemoryID: id, Err: errors.New("qdrant unavailable")}
	assert.Equal(t, "index memory 6f2c1a44-3a8e-4cde-9d0b-0f4a3c1c9b11: qdrant unavailable", err.Error())
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusSuccess.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestProviderDisplayName(t *testing.T) {
	tests := []struct {
		p    Provider
		want string
	}{
		{Provider{FirstName: "Ada", LastName: "Lovelace"}, "Ada Lovelace"},
		{Provider{LastName: "Lovelace"}, "Lovelace"},
		{Provider{OrganizationName: "Mercy Clinic"}, "Mercy Clinic"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.p.DisplayName())
	}
}
