//go:build unit

package outbox

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerRegistry_Register(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepository()
	repo.seed("AccountOpened", 1, `{}`)
	repo.seed("AccountOpened", 1, `{}`)

	registry, err := NewConsumerRegistry(repo)
	require.NoError(t, err)

	ctx := context.Background()

	replay, err := registry.Register(ctx, "billing", false)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, replay.ID)
	assert.Zero(t, replay.LastConsumedMessageID)

	latest, err := registry.Register(ctx, "audit", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.LastConsumedMessageID)
}

func TestConsumerRegistry_RegisterConflictKeepsCursor(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepository()
	repo.seed("AccountOpened", 1, `{}`)

	registry, err := NewConsumerRegistry(repo)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = registry.Register(ctx, "billing", false)
	require.NoError(t, err)

	_, err = registry.Register(ctx, "billing", true)
	require.ErrorIs(t, err, ErrConsumerConflict)

	assert.Zero(t, repo.cursor("billing"))
}

func TestConsumerRegistry_NameValidation(t *testing.T) {
	t.Parallel()

	registry, err := NewConsumerRegistry(newMemoryRepository())
	require.NoError(t, err)

	for _, name := range []string{"", "   ", "ab", strings.Repeat("n", 101)} {
		_, err := registry.Register(context.Background(), name, false)
		require.ErrorIs(t, err, ErrValidation, "name %q", name)
	}

	_, err = registry.Register(context.Background(), strings.Repeat("n", 100), false)
	require.NoError(t, err)

	_, err = registry.Register(context.Background(), "ção", false)
	require.NoError(t, err)
}

func TestConsumerRegistry_CanRegisterAndGet(t *testing.T) {
	t.Parallel()

	registry, err := NewConsumerRegistry(newMemoryRepository())
	require.NoError(t, err)

	ctx := context.Background()

	ok, err := registry.CanRegister(ctx, "billing")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = registry.CanRegister(ctx, "x")
	require.ErrorIs(t, err, ErrValidation)

	_, err = registry.Register(ctx, "billing", false)
	require.NoError(t, err)

	ok, err = registry.CanRegister(ctx, "billing")
	require.NoError(t, err)
	assert.False(t, ok)

	consumer, err := registry.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "billing", consumer.Name)

	_, err = registry.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrConsumerNotFound)
}
