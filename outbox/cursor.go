package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

// CursorAdvancer acknowledges consumed messages.
type CursorAdvancer struct {
	repo ConsumerRepository
	opts options
}

func NewCursorAdvancer(repo ConsumerRepository, opts ...Option) (*CursorAdvancer, error) {
	if nilcheck.IsNil(repo) {
		return nil, ErrRepositoryRequired
	}

	return &CursorAdvancer{repo: repo, opts: newOptions(opts)}, nil
}

// Commit moves the consumer's cursor to lastConsumedMessageID.
//
// The cursor only moves forward: a lower id fails with ErrCursorRegression and an
// id above the last message fails with ErrCursorBeyondLog. Committing the current
// cursor again succeeds without change.
func (c *CursorAdvancer) Commit(ctx context.Context, consumerName string, lastConsumedMessageID int64) error {
	ctx, span := c.opts.tracer.Start(ctx, "outbox.commit")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.consumer", consumerName),
		attribute.Int64("outbox.last_consumed_message_id", lastConsumedMessageID),
	)

	if err := ValidateConsumerName(consumerName); err != nil {
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "invalid consumer name", err)

		return err
	}

	if err := validateMessageID("lastConsumedMessageId", lastConsumedMessageID); err != nil {
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "invalid message id", err)

		return err
	}

	err := c.repo.AdvanceCursor(ctx, consumerName, lastConsumedMessageID, c.opts.utcNow())

	switch {
	case err == nil:
		c.opts.logger.Log(ctx, libLog.LevelDebug, "outbox cursor committed",
			libLog.String("consumer", consumerName),
			libLog.Int64("last_consumed_message_id", lastConsumedMessageID))

		return nil
	case errors.Is(err, ErrConsumerNotFound):
		err = fmt.Errorf("%w: %s", ErrConsumerNotFound, consumerName)
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "consumer not found", err)

		return err
	case errors.Is(err, ErrCursorRegression), errors.Is(err, ErrCursorBeyondLog):
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "cursor rejected", err)

		return fmt.Errorf("commit %d for %q: %w", lastConsumedMessageID, consumerName, err)
	default:
		libOpentelemetry.HandleSpanError(span, "failed to advance cursor", err)

		return fmt.Errorf("advance cursor for %q: %w", consumerName, err)
	}
}
