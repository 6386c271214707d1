package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
)

// TransactionHook is invoked synchronously by a transaction boundary with the
// changeset of that transaction.
type TransactionHook interface {
	// BeforeCommit runs inside tx right before commit. An error rolls tx back.
	BeforeCommit(ctx context.Context, tx Tx, changes *Changeset) error
	AfterCommit(ctx context.Context, changes *Changeset)
	AfterRollback(ctx context.Context, changes *Changeset)
}

// Changeset is the set of event sources taking part in one transaction. It
// remembers which buffered events were flushed so only those are cleared.
type Changeset struct {
	sources []EventSource

	mu      sync.Mutex
	flushed bool
	through []uint64
}

// NewChangeset builds a changeset over sources. Nil and repeated sources are skipped.
func NewChangeset(sources ...EventSource) *Changeset {
	unique := appendUniqueSources(nil, sources...)

	return &Changeset{sources: unique, through: make([]uint64, len(unique))}
}

func (c *Changeset) Sources() []EventSource {
	out := make([]EventSource, len(c.sources))
	copy(out, c.sources)

	return out
}

type stagedEvent struct {
	source int
	RaisedEvent
}

// pending merges the buffers of every source in emission order.
func (c *Changeset) pending() []stagedEvent {
	var all []stagedEvent

	for i, source := range c.sources {
		for _, raised := range source.PendingEvents() {
			all = append(all, stagedEvent{source: i, RaisedEvent: raised})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Sequence < all[j].Sequence
	})

	return all
}

func (c *Changeset) markFlushed(events []stagedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushed = true

	for _, staged := range events {
		if staged.Sequence > c.through[staged.source] {
			c.through[staged.source] = staged.Sequence
		}
	}
}

// clearFlushed drops the events written by this changeset from their sources.
func (c *Changeset) clearFlushed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, source := range c.sources {
		if c.through[i] > 0 {
			source.ClearEventsThrough(c.through[i])
		}
	}
}

// discard drops what this changeset flushed, or everything raised so far when
// the flush never completed.
func (c *Changeset) discard() {
	c.mu.Lock()
	flushed := c.flushed
	c.mu.Unlock()

	if flushed {
		c.clearFlushed()

		return
	}

	upTo := currentEventSequence()

	for _, source := range c.sources {
		source.ClearEventsThrough(upTo)
	}
}

// EventWriter appends one event inside a transaction. *Writer implements it.
type EventWriter interface {
	Write(ctx context.Context, tx Tx, event any, opts ...WriteOption) (*Message, error)
}

// RollbackPolicy decides what happens to buffered events when the transaction
// does not commit.
type RollbackPolicy int

const (
	// RetainOnRollback keeps events buffered so a retried save writes them again.
	RetainOnRollback RollbackPolicy = iota
	// DiscardOnRollback drops buffered events together with the failed transaction.
	DiscardOnRollback
)

// OutboxHook flushes buffered domain events through an EventWriter before commit.
type OutboxHook struct {
	writer EventWriter
	policy RollbackPolicy
	logger libLog.Logger
}

var _ TransactionHook = (*OutboxHook)(nil)

func NewOutboxHook(writer EventWriter, policy RollbackPolicy, opts ...Option) (*OutboxHook, error) {
	if nilcheck.IsNil(writer) {
		return nil, fmt.Errorf("%w: writer", ErrDependencyRequired)
	}

	return &OutboxHook{writer: writer, policy: policy, logger: newOptions(opts).logger}, nil
}

// BeforeCommit writes every pending event in emission order. Events raised
// after this point belong to the next save.
func (h *OutboxHook) BeforeCommit(ctx context.Context, tx Tx, changes *Changeset) error {
	events := changes.pending()

	for _, staged := range events {
		if _, err := h.writer.Write(ctx, tx, staged.Event); err != nil {
			return fmt.Errorf("flush outbox event %T: %w", staged.Event, err)
		}
	}

	changes.markFlushed(events)

	if len(events) > 0 {
		h.logger.Log(ctx, libLog.LevelDebug, "outbox events flushed", libLog.Int("count", len(events)))
	}

	return nil
}

// AfterCommit clears the flushed events so a later save does not write them again.
func (h *OutboxHook) AfterCommit(_ context.Context, changes *Changeset) {
	changes.clearFlushed()
}

func (h *OutboxHook) AfterRollback(ctx context.Context, changes *Changeset) {
	if h.policy == DiscardOnRollback {
		changes.discard()

		return
	}

	h.logger.Log(ctx, libLog.LevelDebug, "outbox events retained after rollback")
}
