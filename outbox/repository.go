package outbox

import (
	"context"
	"time"
)

// MessageRepository is the append-only log store.
type MessageRepository interface {
	// AppendWithTx inserts msg inside tx and returns it with the store-assigned ID.
	// The row becomes visible only when tx commits.
	AppendWithTx(ctx context.Context, tx Tx, msg *Message) (*Message, error)
	// ListAfter returns up to limit messages with ID > afterID in ascending order.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]*Message, error)
}

// ConsumerRepository stores consumer cursors.
type ConsumerRepository interface {
	// CreateConsumer inserts consumer. When startAtLatest is true the cursor is set to
	// the current max message id in the same statement. Duplicate names fail with
	// ErrConsumerConflict.
	CreateConsumer(ctx context.Context, consumer *Consumer, startAtLatest bool) (*Consumer, error)
	// GetConsumerByName fails with ErrConsumerNotFound for unknown names.
	GetConsumerByName(ctx context.Context, name string) (*Consumer, error)
	ConsumerExists(ctx context.Context, name string) (bool, error)
	// AdvanceCursor sets the cursor to lastConsumedID when it is not a regression and
	// does not exceed the max message id. See ClassifyCursorRejection.
	AdvanceCursor(ctx context.Context, name string, lastConsumedID int64, updatedAt time.Time) error
}

// Repository is implemented by complete storage adapters.
type Repository interface {
	MessageRepository
	ConsumerRepository
}

// ClassifyCursorRejection explains why a conditional cursor update touched no row.
// Stores call it with the state re-read after the update.
func ClassifyCursorRejection(found bool, current, maxID, requested int64) error {
	switch {
	case !found:
		return ErrConsumerNotFound
	case requested < current:
		return ErrCursorRegression
	case requested > maxID:
		return ErrCursorBeyondLog
	default:
		// Lost a race with a concurrent commit or append; the state now permits the update.
		return nil
	}
}
