package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotOutboxDelivery is returned when a delivery lacks the outbox message id header.
var ErrNotOutboxDelivery = errors.New("amqp delivery carries no outbox message id")

// Delivery is the outbox view of a message received from the broker.
type Delivery struct {
	MessageID   int64
	MessageType string
	Version     int
	Key         string
	// TraceID is the producer's trace id, or "" when none was propagated.
	TraceID string
	Payload []byte
}

// ParseDelivery reads the outbox headers written by Forwarder. The returned
// context carries the producer's span context so consumer spans join its trace.
func ParseDelivery(ctx context.Context, d amqp.Delivery) (context.Context, Delivery, error) {
	id, ok := headerInt64(d.Headers[HeaderMessageID])
	if !ok {
		if d.MessageId == "" {
			return ctx, Delivery{}, ErrNotOutboxDelivery
		}

		parsed, err := strconv.ParseInt(d.MessageId, 10, 64)
		if err != nil {
			return ctx, Delivery{}, fmt.Errorf("%w: message id %q", ErrNotOutboxDelivery, d.MessageId)
		}

		id = parsed
	}

	version, _ := headerInt64(d.Headers[HeaderVersion])

	key, _ := d.Headers[HeaderKey].(string)

	messageType := d.Type
	if messageType == "" {
		messageType = d.RoutingKey
	}

	ctx = libOpentelemetry.ExtractQueueTraceContext(ctx, d.Headers)

	return ctx, Delivery{
		MessageID:   id,
		MessageType: messageType,
		Version:     int(version),
		Key:         key,
		TraceID:     libOpentelemetry.TraceIDFromContext(ctx),
		Payload:     d.Body,
	}, nil
}

// AMQP tables decode integers with the width they were sent in.
func headerInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)

		return parsed, err == nil
	default:
		return 0, false
	}
}
