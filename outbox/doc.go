// Package outbox implements a transactional outbox with multi-consumer,
// cursor-based delivery.
//
// Domain events are serialized through a TypeRegistry and appended by a Writer
// inside the caller's database transaction, so a message becomes durable exactly
// when the business change it describes commits. The UnitOfWork and OutboxHook
// flush buffered entity events right before commit.
//
// Readers register named consumers in a ConsumerRegistry, pull pages with a
// Retriever, route payloads to typed observers with a Dispatcher and acknowledge
// progress with a CursorAdvancer. Delivery is at-least-once: a crash between
// Fetch and Commit redelivers the page. The Poller wires those steps into a loop.
//
// Storage adapters live under the postgres and sqlite subpackages.
package outbox
