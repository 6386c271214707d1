package outbox

import (
	"fmt"

	libOpentelemetry "github.com/LerianStudio/lib-outbox/outbox/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type outboxMetrics struct {
	messagesWritten    metric.Int64Counter
	messagesFetched    metric.Int64Counter
	messagesDispatched metric.Int64Counter
	dispatchFailures   metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
}

func newOutboxMetrics(provider metric.MeterProvider) (outboxMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(libOpentelemetry.InstrumentationName)

	var (
		metrics outboxMetrics
		err     error
	)

	metrics.messagesWritten, err = meter.Int64Counter(
		"outbox.messages.written",
		metric.WithDescription("Number of outbox messages appended inside business transactions"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.messages.written counter: %w", err)
	}

	metrics.messagesFetched, err = meter.Int64Counter(
		"outbox.messages.fetched",
		metric.WithDescription("Number of outbox messages returned to consumers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.messages.fetched counter: %w", err)
	}

	metrics.messagesDispatched, err = meter.Int64Counter(
		"outbox.messages.dispatched",
		metric.WithDescription("Number of outbox messages delivered to every observer"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.messages.dispatched counter: %w", err)
	}

	metrics.dispatchFailures, err = meter.Int64Counter(
		"outbox.dispatch.failures",
		metric.WithDescription("Number of batch dispatches aborted by a failing message"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.dispatch.failures counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per batch dispatch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return outboxMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	return metrics, nil
}
