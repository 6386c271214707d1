package outbox

import (
	"time"

	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures the ambient dependencies of outbox components.
type Option func(*options)

type options struct {
	logger          libLog.Logger
	tracer          trace.Tracer
	meterProvider   metric.MeterProvider
	now             func() time.Time
	maxPayloadBytes int
}

func newOptions(opts []Option) options {
	resolved := options{
		logger:          libLog.NewNop(),
		tracer:          libOpentelemetry.Tracer(),
		now:             time.Now,
		maxPayloadBytes: DefaultMaxPayloadBytes,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}

	return resolved
}

// WithLogger sets the component logger. Nil keeps the no-op logger.
func WithLogger(logger libLog.Logger) Option {
	return func(o *options) {
		if !nilcheck.IsNil(logger) {
			o.logger = logger
		}
	}
}

// WithTracer overrides the global outbox tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if !nilcheck.IsNil(tracer) {
			o.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider used for outbox metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		if !nilcheck.IsNil(provider) {
			o.meterProvider = provider
		}
	}
}

// WithClock overrides time.Now for CreatedAt/UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxPayloadBytes caps serialized payload size accepted by the Writer.
func WithMaxPayloadBytes(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.maxPayloadBytes = limit
		}
	}
}

func (o options) utcNow() time.Time {
	return o.now().UTC()
}
