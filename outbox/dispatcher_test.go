//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	dispatcher, err := NewDispatcher(newTestTypes(t))
	require.NoError(t, err)

	return dispatcher
}

func openedMessage(id int64, payload string) *Message {
	return &Message{ID: id, MessageType: "AccountOpened", VersionType: 1, Payload: []byte(payload)}
}

func TestDispatcher_RoutesDecodedPayloads(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)

	var calls []string

	require.NoError(t, Subscribe(dispatcher, func(_ context.Context, event accountOpened, msg *Message) error {
		calls = append(calls, "value:"+event.AccountID)

		return nil
	}))
	require.NoError(t, Subscribe(dispatcher, func(_ context.Context, event *accountOpened, _ *Message) error {
		calls = append(calls, "pointer:"+event.Owner)

		return nil
	}))
	require.NoError(t, dispatcher.Subscribe(accountOpened{}, func(_ context.Context, payload any, msg *Message) error {
		_, ok := payload.(accountOpened)
		assert.True(t, ok)
		calls = append(calls, "untyped")

		return nil
	}))

	err := dispatcher.DispatchBatch(context.Background(), []*Message{
		openedMessage(1, `{"accountId":"a1","owner":"ana"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"value:a1", "pointer:ana", "untyped"}, calls)
}

func TestDispatcher_SubscribeName(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)

	var got accountClosed

	require.NoError(t, dispatcher.SubscribeName("AccountClosed", 1, func(_ context.Context, payload any, _ *Message) error {
		got = payload.(accountClosed)

		return nil
	}))

	err := dispatcher.Dispatch(context.Background(), &Message{
		ID: 9, MessageType: "AccountClosed", VersionType: 1, Payload: []byte(`{"accountId":"c9"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "c9", got.AccountID)

	err = dispatcher.SubscribeName("AccountClosed", 7, func(context.Context, any, *Message) error { return nil })
	require.ErrorIs(t, err, ErrTypeNotConfigured)
}

func TestDispatcher_SubscribeUnregisteredType(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)

	err := Subscribe(dispatcher, func(context.Context, unregisteredEvent, *Message) error { return nil })
	require.ErrorIs(t, err, ErrTypeNotConfigured)

	err = dispatcher.Subscribe(accountOpened{}, nil)
	require.ErrorIs(t, err, ErrObserverRequired)

	err = Subscribe[accountOpened](dispatcher, nil)
	require.ErrorIs(t, err, ErrObserverRequired)
}

func TestDispatcher_UnregisteredMessageType(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)

	err := dispatcher.DispatchBatch(context.Background(), []*Message{
		{ID: 4, MessageType: "Unknown", VersionType: 3, Payload: []byte(`{}`)},
	})
	require.ErrorIs(t, err, ErrTypeNotConfigured)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, int64(4), dispatchErr.MessageID)
	assert.Equal(t, "Unknown", dispatchErr.MessageType)
	assert.Equal(t, 3, dispatchErr.VersionType)
}

func TestDispatcher_ObserverFailureAbortsBatch(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)
	boom := errors.New("downstream rejected password=hunter2")

	var seen []int64

	require.NoError(t, Subscribe(dispatcher, func(_ context.Context, _ accountOpened, msg *Message) error {
		seen = append(seen, msg.ID)
		if msg.ID == 2 {
			return boom
		}

		return nil
	}))

	err := dispatcher.DispatchBatch(context.Background(), []*Message{
		openedMessage(1, `{}`),
		openedMessage(2, `{}`),
		openedMessage(3, `{}`),
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int64{1, 2}, seen)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, int64(2), dispatchErr.MessageID)
}

func TestDispatcher_SecondObserverNotCalledAfterFailure(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)
	secondCalled := false

	require.NoError(t, Subscribe(dispatcher, func(context.Context, accountOpened, *Message) error {
		return errors.New("first failed")
	}))
	require.NoError(t, Subscribe(dispatcher, func(context.Context, accountOpened, *Message) error {
		secondCalled = true

		return nil
	}))

	require.Error(t, dispatcher.Dispatch(context.Background(), openedMessage(1, `{}`)))
	assert.False(t, secondCalled)
}

func TestDispatcher_NoObserversSkips(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)

	// Payload is not even decoded when nobody listens.
	err := dispatcher.DispatchBatch(context.Background(), []*Message{openedMessage(1, `not json`), nil})
	require.NoError(t, err)
}

func TestDispatcher_DecodeFailure(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t)
	require.NoError(t, Subscribe(dispatcher, func(context.Context, accountOpened, *Message) error { return nil }))

	err := dispatcher.Dispatch(context.Background(), openedMessage(1, `{"accountId":`))
	require.ErrorContains(t, err, "decode payload")

	require.ErrorIs(t, dispatcher.Dispatch(context.Background(), nil), ErrEventRequired)
}

func TestNewDispatcher_RequiresRegistry(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil)
	require.ErrorIs(t, err, ErrTypeRegistryRequired)
}
