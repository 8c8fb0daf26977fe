package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceContext(t *testing.T) {
	t.Run("should round-trip trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		assert.Equal(t, "trace-1", GetTraceID(ctx))
	})

	t.Run("should return empty for bare context", func(t *testing.T) {
		assert.Empty(t, GetTraceID(context.Background()))
		assert.Empty(t, GetSessionID(context.Background()))
	})

	t.Run("should generate unique trace ids", func(t *testing.T) {
		assert.NotEqual(t, NewTraceID(), NewTraceID())
	})
}

func TestNewConnectionContext(t *testing.T) {
	t.Run("should keep a supplied trace id", func(t *testing.T) {
		ctx := NewConnectionContext(context.Background(), "client-trace")
		assert.Equal(t, "client-trace", GetTraceID(ctx))
	})

	t.Run("should mint one when absent", func(t *testing.T) {
		ctx := NewConnectionContext(context.Background(), "")
		assert.NotEmpty(t, GetTraceID(ctx))
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-9")
	ctx = WithSessionID(ctx, "sess-9")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("tagged")

	out := buf.String()
	require.Contains(t, out, "trace-9")
	assert.Contains(t, out, "sess-9")
}
