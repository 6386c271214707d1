//go:build unit

package outbox

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperCodec struct{ JSONCodec }

func (upperCodec) Name() string { return "upper" }

func TestTypeRegistry_RegisterAndResolve(t *testing.T) {
	t.Parallel()

	types := NewTypeRegistry()
	require.NoError(t, types.Register("AccountOpened", 1, accountOpened{}))
	require.NoError(t, types.Register("AccountOpened", 2, &accountClosed{}, WithCodec(upperCodec{})))

	meta, err := types.ResolveByName("AccountOpened", 1)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(accountOpened{}), meta.Type)
	assert.Equal(t, "json", meta.Codec.Name())

	meta, err = types.ResolveByType(reflect.TypeOf(&accountClosed{}))
	require.NoError(t, err)
	assert.Equal(t, "AccountOpened", meta.TypeName)
	assert.Equal(t, 2, meta.Version)
	assert.Equal(t, "upper", meta.Codec.Name())

	meta, err = types.ResolveByValue(&accountOpened{})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Version)
}

func TestTypeRegistry_ResolveMissing(t *testing.T) {
	t.Parallel()

	types := NewTypeRegistry()

	_, err := types.ResolveByName("Nope", 1)
	require.ErrorIs(t, err, ErrTypeNotConfigured)

	var notConfigured *TypeNotConfiguredError
	require.ErrorAs(t, err, &notConfigured)
	assert.Equal(t, "Nope", notConfigured.TypeName)
	assert.Equal(t, 1, notConfigured.Version)

	_, err = types.ResolveByValue(unregisteredEvent{})
	require.ErrorAs(t, err, &notConfigured)
	assert.Equal(t, reflect.TypeOf(unregisteredEvent{}), notConfigured.GoType)

	_, err = types.ResolveByValue(nil)
	require.ErrorIs(t, err, ErrEventRequired)
}

func TestTypeRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	types := NewTypeRegistry()
	require.NoError(t, RegisterType[accountOpened](types, "AccountOpened", 1))

	err := RegisterType[accountClosed](types, "AccountOpened", 1)
	require.ErrorIs(t, err, ErrTypeAlreadyRegistered)

	err = RegisterType[*accountOpened](types, "AccountOpenedAgain", 1)
	require.ErrorIs(t, err, ErrTypeAlreadyRegistered)

	assert.Len(t, types.Types(), 1)
}

func TestTypeRegistry_Validation(t *testing.T) {
	t.Parallel()

	types := NewTypeRegistry()

	tests := []struct {
		name    string
		typ     string
		version int
		sample  any
	}{
		{name: "blank name", typ: "  ", version: 1, sample: accountOpened{}},
		{name: "zero version", typ: "AccountOpened", version: 0, sample: accountOpened{}},
		{name: "nil sample", typ: "AccountOpened", version: 1, sample: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := types.Register(tt.typ, tt.version, tt.sample)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	require.ErrorIs(t, RegisterType[error](types, "Err", 1), ErrValidation)
}

func TestTypeRegistry_Seal(t *testing.T) {
	t.Parallel()

	types := NewTypeRegistry()
	require.NoError(t, RegisterType[accountOpened](types, "AccountOpened", 1))
	assert.False(t, types.Sealed())

	types.Seal()
	assert.True(t, types.Sealed())

	err := RegisterType[accountClosed](types, "AccountClosed", 1)
	require.True(t, errors.Is(err, ErrTypeRegistrySealed))

	_, err = types.ResolveByName("AccountOpened", 1)
	require.NoError(t, err)
}

func TestTypeRegistry_TypesSorted(t *testing.T) {
	t.Parallel()

	types := NewTypeRegistry()
	require.NoError(t, RegisterType[accountClosed](types, "B", 1))
	require.NoError(t, RegisterType[unregisteredEvent](types, "A", 2))
	require.NoError(t, RegisterType[accountOpened](types, "A", 1))

	listed := types.Types()
	require.Len(t, listed, 3)
	assert.Equal(t, "A", listed[0].TypeName)
	assert.Equal(t, 1, listed[0].Version)
	assert.Equal(t, 2, listed[1].Version)
	assert.Equal(t, "B", listed[2].TypeName)
}

func TestTypeRegistry_NilReceiver(t *testing.T) {
	t.Parallel()

	var types *TypeRegistry

	require.ErrorIs(t, types.Register("A", 1, accountOpened{}), ErrTypeRegistryRequired)
	_, err := types.ResolveByName("A", 1)
	require.ErrorIs(t, err, ErrTypeRegistryRequired)
	assert.Nil(t, types.Types())
	assert.NotPanics(t, types.Seal)
}
