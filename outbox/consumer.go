package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ConsumerRegistry creates and looks up named consumers.
type ConsumerRegistry struct {
	repo ConsumerRepository
	opts options
}

func NewConsumerRegistry(repo ConsumerRepository, opts ...Option) (*ConsumerRegistry, error) {
	if nilcheck.IsNil(repo) {
		return nil, ErrRepositoryRequired
	}

	return &ConsumerRegistry{repo: repo, opts: newOptions(opts)}, nil
}

// Register creates a consumer. With consumeFromLastMessage the cursor starts at
// the current max message id and the backlog is skipped; otherwise it starts at 0.
// A taken name fails with ErrConsumerConflict and leaves the existing cursor alone.
func (r *ConsumerRegistry) Register(ctx context.Context, name string, consumeFromLastMessage bool) (*Consumer, error) {
	ctx, span := r.opts.tracer.Start(ctx, "outbox.register_consumer")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.consumer", name),
		attribute.Bool("outbox.consume_from_last_message", consumeFromLastMessage),
	)

	if err := ValidateConsumerName(name); err != nil {
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "invalid consumer name", err)

		return nil, err
	}

	now := r.opts.utcNow()

	consumer, err := r.repo.CreateConsumer(ctx, &Consumer{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}, consumeFromLastMessage)
	if err != nil {
		if errors.Is(err, ErrConsumerConflict) {
			libOpentelemetry.HandleSpanBusinessErrorEvent(span, "consumer already exists", err)

			return nil, err
		}

		libOpentelemetry.HandleSpanError(span, "failed to create consumer", err)

		return nil, fmt.Errorf("create consumer %q: %w", name, err)
	}

	r.opts.logger.Log(ctx, libLog.LevelInfo, "outbox consumer registered",
		libLog.String("consumer", consumer.Name),
		libLog.Int64("last_consumed_message_id", consumer.LastConsumedMessageID))

	return consumer, nil
}

// CanRegister reports whether name is valid and currently free. The answer may be
// stale by the time Register runs, which can still return ErrConsumerConflict.
func (r *ConsumerRegistry) CanRegister(ctx context.Context, name string) (bool, error) {
	if err := ValidateConsumerName(name); err != nil {
		return false, err
	}

	exists, err := r.repo.ConsumerExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check consumer %q: %w", name, err)
	}

	return !exists, nil
}

// Get returns the consumer and its current cursor.
func (r *ConsumerRegistry) Get(ctx context.Context, name string) (*Consumer, error) {
	if err := ValidateConsumerName(name); err != nil {
		return nil, err
	}

	consumer, err := r.repo.GetConsumerByName(ctx, name)
	if err != nil {
		return nil, wrapConsumerLookup(name, err)
	}

	return consumer, nil
}

func wrapConsumerLookup(name string, err error) error {
	if errors.Is(err, ErrConsumerNotFound) {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, name)
	}

	return fmt.Errorf("load consumer %q: %w", name, err)
}
