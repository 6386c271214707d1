package outbox

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle the Writer enlists its insert in.
type Tx = *sql.Tx

// Message is one durable entry of the outbox log. Messages are immutable once
// committed and ordered by ID in commit order.
type Message struct {
	ID          int64
	CreatedAt   time.Time
	MessageType string
	VersionType int
	// Key is an optional partitioning/deduplication key. Empty means NULL.
	Key     string
	Payload []byte
}

// Consumer is a named cursor into the outbox log.
type Consumer struct {
	ID                    uuid.UUID
	Name                  string
	LastConsumedMessageID int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RetrievedBatch is one page of unseen messages for a consumer.
type RetrievedBatch struct {
	Messages []*Message
	Count    int
	HasMore  bool
}

// LastID returns the highest message id in the batch, or 0 when it is empty.
func (b *RetrievedBatch) LastID() int64 {
	if b == nil || len(b.Messages) == 0 {
		return 0
	}

	return b.Messages[len(b.Messages)-1].ID
}
