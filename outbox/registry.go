package outbox

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

const maxTypeNameLength = 255

// TypeMetadata maps a logical (TypeName, Version) pair to a concrete Go type
// and the codec used for its payloads.
type TypeMetadata struct {
	TypeName string
	Version  int
	Type     reflect.Type
	Codec    Codec
}

// TypeOption customizes a registration.
type TypeOption func(*TypeMetadata)

// WithCodec overrides the JSON default for one type.
func WithCodec(codec Codec) TypeOption {
	return func(meta *TypeMetadata) {
		if codec != nil {
			meta.Codec = codec
		}
	}
}

type typeKey struct {
	name    string
	version int
}

// TypeRegistry holds payload type registrations. It is populated at startup and
// sealed before use; Writers and Dispatchers seal the registry they receive.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[typeKey]TypeMetadata
	byType map[reflect.Type]TypeMetadata
	sealed bool
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[typeKey]TypeMetadata),
		byType: make(map[reflect.Type]TypeMetadata),
	}
}

// Register maps name/version to the concrete type of sample. Pointer samples
// register their element type. Each pair and each Go type may appear once.
func (r *TypeRegistry) Register(name string, version int, sample any, opts ...TypeOption) error {
	if r == nil {
		return ErrTypeRegistryRequired
	}

	if sample == nil {
		return newValidationError("sample", "is required")
	}

	return r.register(name, version, reflect.TypeOf(sample), opts...)
}

// RegisterType is the generic form of TypeRegistry.Register.
func RegisterType[T any](r *TypeRegistry, name string, version int, opts ...TypeOption) error {
	if r == nil {
		return ErrTypeRegistryRequired
	}

	return r.register(name, version, reflect.TypeFor[T](), opts...)
}

func (r *TypeRegistry) register(name string, version int, goType reflect.Type, opts ...TypeOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return newValidationError("type name", "is required")
	}

	if len(name) > maxTypeNameLength {
		return newValidationError("type name", fmt.Sprintf("must be at most %d bytes", maxTypeNameLength))
	}

	if version < 1 {
		return newValidationError("version", "must be positive")
	}

	goType = normalizeType(goType)
	if goType == nil || goType.Kind() == reflect.Interface {
		return newValidationError("sample", "must have a concrete type")
	}

	meta := TypeMetadata{TypeName: name, Version: version, Type: goType, Codec: JSONCodec{}}

	for _, opt := range opts {
		if opt != nil {
			opt(&meta)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrTypeRegistrySealed
	}

	key := typeKey{name: name, version: version}

	if existing, ok := r.byName[key]; ok {
		return fmt.Errorf("%w: %q version %d is mapped to %s", ErrTypeAlreadyRegistered, name, version, existing.Type)
	}

	if existing, ok := r.byType[goType]; ok {
		return fmt.Errorf("%w: %s is mapped to %q version %d", ErrTypeAlreadyRegistered, goType, existing.TypeName, existing.Version)
	}

	r.byName[key] = meta
	r.byType[goType] = meta

	return nil
}

// Seal freezes the registry. Later Register calls fail with ErrTypeRegistrySealed.
func (r *TypeRegistry) Seal() {
	if r == nil {
		return
	}

	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *TypeRegistry) Sealed() bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sealed
}

// ResolveByName finds the registration for a stored message's type and version.
func (r *TypeRegistry) ResolveByName(name string, version int) (TypeMetadata, error) {
	if r == nil {
		return TypeMetadata{}, ErrTypeRegistryRequired
	}

	r.mu.RLock()
	meta, ok := r.byName[typeKey{name: name, version: version}]
	r.mu.RUnlock()

	if !ok {
		return TypeMetadata{}, &TypeNotConfiguredError{TypeName: name, Version: version}
	}

	return meta, nil
}

// ResolveByType finds the registration for a Go type. *T resolves like T.
func (r *TypeRegistry) ResolveByType(goType reflect.Type) (TypeMetadata, error) {
	if r == nil {
		return TypeMetadata{}, ErrTypeRegistryRequired
	}

	goType = normalizeType(goType)

	r.mu.RLock()
	meta, ok := r.byType[goType]
	r.mu.RUnlock()

	if !ok {
		return TypeMetadata{}, &TypeNotConfiguredError{GoType: goType}
	}

	return meta, nil
}

// ResolveByValue resolves the dynamic type of value.
func (r *TypeRegistry) ResolveByValue(value any) (TypeMetadata, error) {
	if value == nil {
		return TypeMetadata{}, ErrEventRequired
	}

	return r.ResolveByType(reflect.TypeOf(value))
}

// Types lists registrations ordered by name then version.
func (r *TypeRegistry) Types() []TypeMetadata {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]TypeMetadata, 0, len(r.byName))

	for _, meta := range r.byName {
		out = append(out, meta)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TypeName != out[j].TypeName {
			return out[i].TypeName < out[j].TypeName
		}

		return out[i].Version < out[j].Version
	})

	return out
}

func normalizeType(goType reflect.Type) reflect.Type {
	for goType != nil && goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}

	return goType
}
