package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "tsunagi", "test", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// The no-op providers still hand out usable instruments.
	counter, err := Meter("test").Int64Counter("test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
}
