//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"error":   LevelError,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		" info ":  LevelInfo,
		"debug":   LevelDebug,
	}

	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	assert.Equal(t, Field{Key: "consumer", Value: "billing"}, String("consumer", "billing"))
	assert.Equal(t, Field{Key: "limit", Value: 10}, Int("limit", 10))
	assert.Equal(t, Field{Key: "message_id", Value: int64(7)}, Int64("message_id", 7))
	assert.Equal(t, Field{Key: "has_more", Value: true}, Bool("has_more", true))
	assert.Equal(t, Field{Key: "error", Value: boom}, Err(boom))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), LevelError, "ignored", String("k", "v"))
	})
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("k", "v")))
	assert.Same(t, logger, logger.WithGroup("group"))
	require.NoError(t, logger.Sync(context.Background()))
}
