package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsEveryInstrumentAndTracer(t *testing.T) {
	t.Parallel()

	c, err := New("test-service")
	require.NoError(t, err)

	assert.NotNil(t, c.TracerProvider)
	assert.NotNil(t, c.MeterProvider)
	assert.NotNil(t, c.Tracer)
	assert.NotNil(t, c.Meter)
	assert.NotNil(t, c.JobsSubmitted)
	assert.NotNil(t, c.JobsCompleted)
	assert.NotNil(t, c.JobsFailed)
	assert.NotNil(t, c.QueueDepth)
	assert.NotNil(t, c.CRDTUpdatesIn)
	assert.NotNil(t, c.CRDTBroadcasts)

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestInstrumentsCanRecordWithoutAnExporterConfigured(t *testing.T) {
	t.Parallel()

	c, err := New("test-service")
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	ctx := context.Background()
	assert.NotPanics(t, func() {
		c.JobsSubmitted.Add(ctx, 1)
		c.QueueDepth.Add(ctx, 3)
		c.QueueDepth.Add(ctx, -1)
	})
}
