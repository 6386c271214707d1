package outbox

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Retriever reads pages of unseen messages for a consumer. It never moves cursors.
type Retriever struct {
	messages  MessageRepository
	consumers ConsumerRepository
	opts      options
	metrics   outboxMetrics
}

func NewRetriever(messages MessageRepository, consumers ConsumerRepository, opts ...Option) (*Retriever, error) {
	if nilcheck.IsNil(messages) || nilcheck.IsNil(consumers) {
		return nil, ErrRepositoryRequired
	}

	resolved := newOptions(opts)

	metrics, err := newOutboxMetrics(resolved.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	return &Retriever{messages: messages, consumers: consumers, opts: resolved, metrics: metrics}, nil
}

// Fetch returns up to limit messages with ID above the consumer's cursor, in
// ascending order. HasMore reports whether further messages exist past the page.
// Non-positive limits use DefaultFetchLimit.
func (r *Retriever) Fetch(ctx context.Context, consumerName string, limit int) (*RetrievedBatch, error) {
	ctx, span := r.opts.tracer.Start(ctx, "outbox.fetch")
	defer span.End()

	span.SetAttributes(attribute.String("outbox.consumer", consumerName))

	if err := ValidateConsumerName(consumerName); err != nil {
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "invalid consumer name", err)

		return nil, err
	}

	limit, err := NormalizeFetchLimit(limit)
	if err != nil {
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "invalid limit", err)

		return nil, err
	}

	consumer, err := r.consumers.GetConsumerByName(ctx, consumerName)
	if err != nil {
		err = wrapConsumerLookup(consumerName, err)
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "failed to load consumer", err)

		return nil, err
	}

	// One extra row tells whether another page exists.
	messages, err := r.messages.ListAfter(ctx, consumer.LastConsumedMessageID, limit+1)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list messages", err)

		return nil, fmt.Errorf("list messages after %d: %w", consumer.LastConsumedMessageID, err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	if messages == nil {
		messages = []*Message{}
	}

	span.SetAttributes(
		attribute.Int64("outbox.cursor", consumer.LastConsumedMessageID),
		attribute.Int("outbox.count", len(messages)),
		attribute.Bool("outbox.has_more", hasMore),
	)
	r.metrics.messagesFetched.Add(ctx, int64(len(messages)),
		metric.WithAttributes(attribute.String("consumer", consumerName)))

	return &RetrievedBatch{Messages: messages, Count: len(messages), HasMore: hasMore}, nil
}
