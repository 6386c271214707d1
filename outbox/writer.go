package outbox

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Keyed events supply their own message key.
type Keyed interface {
	OutboxKey() string
}

// WriteOption customizes a single Write call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	key    string
	hasKey bool
}

// WithKey sets the message key, overriding Keyed.
func WithKey(key string) WriteOption {
	return func(o *writeOptions) {
		o.key = key
		o.hasKey = true
	}
}

// Writer serializes domain events and appends them inside the caller's transaction.
type Writer struct {
	repo    MessageRepository
	types   *TypeRegistry
	opts    options
	metrics outboxMetrics
}

// NewWriter seals types and returns a Writer appending through repo.
func NewWriter(repo MessageRepository, types *TypeRegistry, opts ...Option) (*Writer, error) {
	if nilcheck.IsNil(repo) {
		return nil, ErrRepositoryRequired
	}

	if types == nil {
		return nil, ErrTypeRegistryRequired
	}

	resolved := newOptions(opts)

	metrics, err := newOutboxMetrics(resolved.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	types.Seal()

	return &Writer{repo: repo, types: types, opts: resolved, metrics: metrics}, nil
}

// Write appends event to the outbox inside tx. The message is durable if and only
// if tx commits. Unregistered event types fail before anything is inserted.
func (w *Writer) Write(ctx context.Context, tx Tx, event any, opts ...WriteOption) (*Message, error) {
	ctx, span := w.opts.tracer.Start(ctx, "outbox.write")
	defer span.End()

	if nilcheck.IsNil(event) {
		return nil, ErrEventRequired
	}

	if tx == nil {
		return nil, ErrTransactionRequired
	}

	meta, err := w.types.ResolveByValue(event)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve outbox type", err)
		w.opts.logger.Log(ctx, libLog.LevelError, "outbox write for unconfigured type",
			libLog.String("go_type", fmt.Sprintf("%T", event)), libLog.Err(err))

		return nil, err
	}

	span.SetAttributes(
		attribute.String("outbox.message_type", meta.TypeName),
		attribute.Int("outbox.version_type", meta.Version),
	)

	payload, err := meta.Codec.Marshal(event)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to encode outbox payload", err)

		return nil, fmt.Errorf("encode %s v%d payload with %s: %w", meta.TypeName, meta.Version, meta.Codec.Name(), err)
	}

	if len(payload) > w.opts.maxPayloadBytes {
		err := fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), w.opts.maxPayloadBytes)
		libOpentelemetry.HandleSpanError(span, "outbox payload too large", err)

		return nil, err
	}

	msg := &Message{
		CreatedAt:   w.opts.utcNow(),
		MessageType: meta.TypeName,
		VersionType: meta.Version,
		Key:         resolveKey(event, opts),
		Payload:     payload,
	}

	stored, err := w.repo.AppendWithTx(ctx, tx, msg)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to append outbox message", err)

		return nil, fmt.Errorf("append outbox message: %w", err)
	}

	span.SetAttributes(attribute.Int64("outbox.message_id", stored.ID))
	w.metrics.messagesWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", meta.TypeName)))

	return stored, nil
}

func resolveKey(event any, opts []WriteOption) string {
	var wo writeOptions

	for _, opt := range opts {
		if opt != nil {
			opt(&wo)
		}
	}

	if wo.hasKey {
		return wo.key
	}

	if keyed, ok := event.(Keyed); ok {
		return keyed.OutboxKey()
	}

	return ""
}
