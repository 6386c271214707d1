package outbox

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Observer handles one decoded payload. payload holds a value of the registered
// Go type; msg is the stored message it came from.
type Observer func(ctx context.Context, payload any, msg *Message) error

// Dispatcher decodes messages and routes them to the observers subscribed to
// their (type, version) pair. Observers run sequentially in subscription order.
type Dispatcher struct {
	types   *TypeRegistry
	opts    options
	metrics outboxMetrics

	mu        sync.RWMutex
	observers map[typeKey][]Observer
}

// NewDispatcher seals types and returns an empty Dispatcher.
func NewDispatcher(types *TypeRegistry, opts ...Option) (*Dispatcher, error) {
	if types == nil {
		return nil, ErrTypeRegistryRequired
	}

	resolved := newOptions(opts)

	metrics, err := newOutboxMetrics(resolved.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	types.Seal()

	return &Dispatcher{
		types:     types,
		opts:      resolved,
		metrics:   metrics,
		observers: make(map[typeKey][]Observer),
	}, nil
}

// Subscribe adds observer for the registered type of sample.
func (d *Dispatcher) Subscribe(sample any, observer Observer) error {
	if sample == nil {
		return ErrEventRequired
	}

	return d.subscribe(reflect.TypeOf(sample), observer)
}

// SubscribeName adds observer for an explicit type name and version.
func (d *Dispatcher) SubscribeName(typeName string, version int, observer Observer) error {
	meta, err := d.types.ResolveByName(typeName, version)
	if err != nil {
		return err
	}

	return d.add(meta, observer)
}

// Subscribe registers a typed observer. T must be registered, as a value or pointer.
func Subscribe[T any](d *Dispatcher, fn func(ctx context.Context, payload T, msg *Message) error) error {
	if fn == nil {
		return ErrObserverRequired
	}

	return d.subscribe(reflect.TypeFor[T](), func(ctx context.Context, payload any, msg *Message) error {
		typed, err := adaptPayload[T](payload)
		if err != nil {
			return err
		}

		return fn(ctx, typed, msg)
	})
}

func adaptPayload[T any](payload any) (T, error) {
	if typed, ok := payload.(T); ok {
		return typed, nil
	}

	var zero T

	// *T observers receive a pointer to a copy of the decoded value.
	ptr := reflect.New(reflect.TypeOf(payload))
	ptr.Elem().Set(reflect.ValueOf(payload))

	if typed, ok := ptr.Interface().(T); ok {
		return typed, nil
	}

	return zero, fmt.Errorf("outbox payload %T cannot be passed as %T", payload, zero)
}

func (d *Dispatcher) subscribe(goType reflect.Type, observer Observer) error {
	meta, err := d.types.ResolveByType(goType)
	if err != nil {
		return err
	}

	return d.add(meta, observer)
}

func (d *Dispatcher) add(meta TypeMetadata, observer Observer) error {
	if observer == nil {
		return ErrObserverRequired
	}

	key := typeKey{name: meta.TypeName, version: meta.Version}

	d.mu.Lock()
	d.observers[key] = append(d.observers[key], observer)
	d.mu.Unlock()

	return nil
}

func (d *Dispatcher) observersFor(meta TypeMetadata) []Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.observers[typeKey{name: meta.TypeName, version: meta.Version}]
}

// DispatchBatch delivers messages in order. The first failure aborts the batch and
// is returned as a *DispatchError; no progress is recorded for any message.
func (d *Dispatcher) DispatchBatch(ctx context.Context, messages []*Message) error {
	ctx, span := d.opts.tracer.Start(ctx, "outbox.dispatch_batch")
	defer span.End()

	span.SetAttributes(attribute.Int("outbox.batch_size", len(messages)))

	start := time.Now()
	defer func() {
		d.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())
	}()

	for _, msg := range messages {
		if msg == nil {
			continue
		}

		if err := d.Dispatch(ctx, msg); err != nil {
			libOpentelemetry.HandleSpanError(span, "batch dispatch aborted", err)
			d.metrics.dispatchFailures.Add(ctx, 1)

			return err
		}
	}

	return nil
}

// Dispatch decodes one message and runs its observers.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrEventRequired
	}

	meta, err := d.types.ResolveByName(msg.MessageType, msg.VersionType)
	if err != nil {
		d.opts.logger.Log(ctx, libLog.LevelError, "outbox message of unconfigured type",
			libLog.Int64("message_id", msg.ID),
			libLog.String("message_type", msg.MessageType),
			libLog.Int("version_type", msg.VersionType))

		return d.dispatchError(msg, err)
	}

	observers := d.observersFor(meta)
	if len(observers) == 0 {
		d.opts.logger.Log(ctx, libLog.LevelDebug, "no observers for outbox message",
			libLog.Int64("message_id", msg.ID),
			libLog.String("message_type", msg.MessageType))

		return nil
	}

	target := reflect.New(meta.Type)
	if err := meta.Codec.Unmarshal(msg.Payload, target.Interface()); err != nil {
		return d.dispatchError(msg, fmt.Errorf("decode payload with %s: %w", meta.Codec.Name(), err))
	}

	payload := target.Elem().Interface()

	for _, observer := range observers {
		if err := observer(ctx, payload, msg); err != nil {
			d.opts.logger.Log(ctx, libLog.LevelWarn, "outbox observer failed",
				libLog.Int64("message_id", msg.ID),
				libLog.String("message_type", msg.MessageType),
				libLog.String("error", SanitizeError(err)))

			return d.dispatchError(msg, err)
		}
	}

	d.metrics.messagesDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", meta.TypeName)))

	return nil
}

func (d *Dispatcher) dispatchError(msg *Message, err error) error {
	return &DispatchError{
		MessageID:   msg.ID,
		MessageType: msg.MessageType,
		VersionType: msg.VersionType,
		Err:         err,
	}
}
