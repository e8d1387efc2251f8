package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "kensa-test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// The no-op globals still hand out usable instruments.
	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
	_, err = Meter("test").Int64Counter("test.count")
	assert.NoError(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Endpoint: "localhost:4318"}.withDefaults()
	assert.Equal(t, "kensa", cfg.ServiceName)
	assert.Equal(t, 15*time.Second, cfg.ExportInterval)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)

	cfg = Config{ServiceName: "x", ExportInterval: time.Second}.withDefaults()
	assert.Equal(t, "x", cfg.ServiceName)
	assert.Equal(t, time.Second, cfg.ExportInterval)
}
