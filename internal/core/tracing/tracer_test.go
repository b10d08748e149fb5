package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildmaster/core/pkg/logger"
)

func TestDisabledTracerStartSpanIsNoop(t *testing.T) {
	tr, err := New(Config{Enabled: false}, logger.NewNop())
	require.NoError(t, err)

	ctx, span := tr.StartSpan(context.Background(), "dispatch.build")
	assert.Equal(t, context.Background(), ctx)
	assert.False(t, span.SpanContext().IsValid())

	require.NoError(t, tr.Shutdown(context.Background()))
}
