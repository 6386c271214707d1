package outbox

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrValidation            = errors.New("outbox validation failed")
	ErrTypeNotConfigured     = errors.New("outbox type not configured")
	ErrConsumerNotFound      = errors.New("outbox consumer not found")
	ErrConsumerConflict      = errors.New("outbox consumer already exists")
	ErrCursorRegression      = errors.New("outbox cursor cannot move backwards")
	ErrCursorBeyondLog       = errors.New("outbox cursor is beyond the last message id")
	ErrTransactionRequired   = errors.New("outbox write requires a transaction")
	ErrPayloadTooLarge       = errors.New("outbox payload exceeds maximum allowed size")
	ErrEventRequired         = errors.New("outbox event is required")
	ErrRepositoryRequired    = errors.New("outbox repository is required")
	ErrTypeRegistryRequired  = errors.New("outbox type registry is required")
	ErrTypeRegistrySealed    = errors.New("outbox type registry is sealed")
	ErrTypeAlreadyRegistered = errors.New("outbox type already registered")
	ErrObserverRequired      = errors.New("outbox observer is required")
	ErrDependencyRequired    = errors.New("outbox dependency is required")
	ErrPollerRunning         = errors.New("outbox poller is already running")
	ErrPollCyclePanicked     = errors.New("outbox poll cycle panicked")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TypeNotConfiguredError reports a payload type or (name, version) pair missing
// from the TypeRegistry. It is a configuration error, not a runtime condition.
type TypeNotConfiguredError struct {
	TypeName string
	Version  int
	GoType   reflect.Type
}

func (e *TypeNotConfiguredError) Error() string {
	if e.GoType != nil {
		return fmt.Sprintf("outbox type not configured for Go type %s", e.GoType)
	}

	return fmt.Sprintf("outbox type not configured for %q version %d", e.TypeName, e.Version)
}

func (e *TypeNotConfiguredError) Unwrap() error {
	return ErrTypeNotConfigured
}

// DispatchError carries the message that stopped a batch dispatch.
type DispatchError struct {
	MessageID   int64
	MessageType string
	VersionType int
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch outbox message %d (%s v%d): %v", e.MessageID, e.MessageType, e.VersionType, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
