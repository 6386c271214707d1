// Package amqp forwards dispatched outbox messages to a RabbitMQ exchange.
//
// A Forwarder is an outbox.Observer. Publishing failures abort the dispatch
// batch, so the poller re-fetches and re-publishes the same messages on its next
// cycle (at-least-once delivery to the broker).
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderMessageID = "x-outbox-message-id"
	HeaderVersion   = "x-outbox-version"
	HeaderKey       = "x-outbox-key"
)

var (
	// ErrChannelRequired is returned when no AMQP channel is supplied.
	ErrChannelRequired = errors.New("amqp channel is required")
	// ErrExchangeRequired is returned when the exchange name is blank.
	ErrExchangeRequired = errors.New("amqp exchange is required")
	// ErrBreakerOpen is returned while the circuit breaker rejects publishes.
	ErrBreakerOpen = errors.New("amqp publish circuit is open")
)

// Channel is the subset of *amqp.Channel the forwarder needs.
type Channel interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	MaxRequests         uint32        // Max requests in half-open state
	Interval            time.Duration // Window after which closed-state counts reset
	Timeout             time.Duration // Open-state duration before half-open retry
	ConsecutiveFailures uint32        // Consecutive failures to trigger open state
	FailureRatio        float64       // Failure ratio to trigger open (e.g., 0.5 for 50%)
	MinRequests         uint32        // Min requests before checking ratio
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

type Option func(*Forwarder)

func WithLogger(logger libLog.Logger) Option {
	return func(f *Forwarder) {
		if !nilcheck.IsNil(logger) {
			f.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(f *Forwarder) {
		if !nilcheck.IsNil(tracer) {
			f.tracer = tracer
		}
	}
}

// WithBreaker replaces DefaultBreakerConfig.
func WithBreaker(cfg BreakerConfig) Option {
	return func(f *Forwarder) {
		f.breakerConfig = cfg
	}
}

// Forwarder publishes each message it observes to exchange with the message type
// as routing key.
type Forwarder struct {
	channel       Channel
	exchange      string
	breakerConfig BreakerConfig
	breaker       *gobreaker.CircuitBreaker
	logger        libLog.Logger
	tracer        trace.Tracer
}

func NewForwarder(channel Channel, exchange string, opts ...Option) (*Forwarder, error) {
	if nilcheck.IsNil(channel) {
		return nil, ErrChannelRequired
	}

	if strings.TrimSpace(exchange) == "" {
		return nil, ErrExchangeRequired
	}

	f := &Forwarder{
		channel:       channel,
		exchange:      exchange,
		breakerConfig: DefaultBreakerConfig(),
		logger:        libLog.NewNop(),
		tracer:        libOpentelemetry.Tracer(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	cfg := f.breakerConfig

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-amqp-" + exchange,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Log(context.Background(), libLog.LevelWarn, "amqp circuit breaker state changed",
				libLog.String("breaker", name),
				libLog.String("from", from.String()),
				libLog.String("to", to.String()))
		},
	})

	return f, nil
}

// State returns the breaker state name: closed, half-open or open.
func (f *Forwarder) State() string {
	return f.breaker.State().String()
}

// Observe publishes msg. It satisfies outbox.Observer; the decoded payload is
// ignored and the stored bytes are sent unchanged.
func (f *Forwarder) Observe(ctx context.Context, _ any, msg *outbox.Message) error {
	if msg == nil {
		return outbox.ErrEventRequired
	}

	ctx, span := f.tracer.Start(ctx, "amqp.forward_outbox_message")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("outbox.message_id", msg.ID),
		attribute.String("outbox.message_type", msg.MessageType),
		attribute.String("messaging.destination", f.exchange),
	)

	publishing := f.publishing(ctx, msg)

	_, err := f.breaker.Execute(func() (any, error) {
		return nil, f.channel.PublishWithContext(ctx, f.exchange, msg.MessageType, false, false, publishing)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %w", ErrBreakerOpen, err)
		}

		libOpentelemetry.HandleSpanError(span, "failed to forward outbox message", err)

		return fmt.Errorf("publish outbox message %d to %s: %w", msg.ID, f.exchange, err)
	}

	f.logger.Log(ctx, libLog.LevelDebug, "outbox message forwarded",
		libLog.Int64("message_id", msg.ID),
		libLog.String("routing_key", msg.MessageType))

	return nil
}

func (f *Forwarder) publishing(ctx context.Context, msg *outbox.Message) amqp.Publishing {
	headers := map[string]any{
		HeaderMessageID: msg.ID,
		HeaderVersion:   int64(msg.VersionType),
	}

	if msg.Key != "" {
		headers[HeaderKey] = msg.Key
	}

	contentType := "application/octet-stream"
	if json.Valid(msg.Payload) {
		contentType = "application/json"
	}

	return amqp.Publishing{
		Headers:      amqp.Table(libOpentelemetry.PrepareQueueHeaders(ctx, headers)),
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(msg.ID, 10),
		Timestamp:    msg.CreatedAt,
		Type:         msg.MessageType,
		Body:         msg.Payload,
	}
}

// SubscribeAll registers the forwarder for every type in types.
func (f *Forwarder) SubscribeAll(dispatcher *outbox.Dispatcher, types *outbox.TypeRegistry) error {
	if dispatcher == nil || types == nil {
		return fmt.Errorf("%w: dispatcher and type registry", outbox.ErrDependencyRequired)
	}

	for _, meta := range types.Types() {
		if err := dispatcher.SubscribeName(meta.TypeName, meta.Version, f.Observe); err != nil {
			return fmt.Errorf("subscribe %s v%d: %w", meta.TypeName, meta.Version, err)
		}
	}

	return nil
}
