package outbox

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
)

var raiseSequence atomic.Uint64

// RaisedEvent is a buffered domain event with its process-wide emission order.
type RaisedEvent struct {
	Sequence uint64
	Event    any
}

// NextEventSequence hands out emission order numbers. Custom EventSource
// implementations use it so their events interleave correctly with Events.
func NextEventSequence() uint64 {
	return raiseSequence.Add(1)
}

func currentEventSequence() uint64 {
	return raiseSequence.Load()
}

// EventSource is an entity carrying domain events waiting to be written.
//
// PendingEvents must return events in ascending Sequence order.
type EventSource interface {
	PendingEvents() []RaisedEvent
	// ClearEventsThrough drops buffered events with Sequence <= sequence.
	// Events raised later stay buffered.
	ClearEventsThrough(sequence uint64)
}

// Events is an embeddable EventSource. Raise is safe for concurrent use.
//
//	type Account struct {
//		outbox.Events
//		...
//	}
type Events struct {
	mu      sync.Mutex
	pending []RaisedEvent
}

// Raise buffers event until the next successful save.
func (e *Events) Raise(event any) {
	if event == nil {
		return
	}

	e.mu.Lock()
	e.pending = append(e.pending, RaisedEvent{Sequence: NextEventSequence(), Event: event})
	e.mu.Unlock()
}

func (e *Events) PendingEvents() []RaisedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RaisedEvent, len(e.pending))
	copy(out, e.pending)

	return out
}

func (e *Events) ClearEventsThrough(sequence uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.pending[:0]

	for _, raised := range e.pending {
		if raised.Sequence > sequence {
			kept = append(kept, raised)
		}
	}

	clear(e.pending[len(kept):])

	if len(kept) == 0 {
		e.pending = nil

		return
	}

	e.pending = kept
}

// sameSource reports whether a and b are the same tracked entity. Sources of
// non-comparable dynamic types are never considered equal.
func sameSource(a, b EventSource) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}

	return a == b
}

func appendUniqueSources(dst []EventSource, sources ...EventSource) []EventSource {
next:
	for _, source := range sources {
		if nilcheck.IsNil(source) {
			continue
		}

		for _, existing := range dst {
			if sameSource(existing, source) {
				continue next
			}
		}

		dst = append(dst, source)
	}

	return dst
}
