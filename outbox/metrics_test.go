//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type stubMeterProvider struct {
	metric.MeterProvider
	meter metric.Meter
}

func (provider stubMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return provider.meter
}

type failingMeter struct {
	metric.Meter
	failOn string
}

func (m failingMeter) Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == m.failOn {
		return nil, errors.New("instrument rejected")
	}

	return m.Meter.Int64Counter(name, opts...)
}

func (m failingMeter) Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	if name == m.failOn {
		return nil, errors.New("instrument rejected")
	}

	return m.Meter.Float64Histogram(name, opts...)
}

func TestNewOutboxMetrics_InstrumentErrors(t *testing.T) {
	t.Parallel()

	names := []string{
		"outbox.messages.written",
		"outbox.messages.fetched",
		"outbox.messages.dispatched",
		"outbox.dispatch.failures",
		"outbox.dispatch.latency",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			provider := stubMeterProvider{meter: failingMeter{Meter: noop.NewMeterProvider().Meter("t"), failOn: name}}

			_, err := newOutboxMetrics(provider)
			require.ErrorContains(t, err, name)

			_, err = NewDispatcher(NewTypeRegistry(), WithMeterProvider(provider))
			require.Error(t, err)
		})
	}
}

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}

	return total
}

func TestMetrics_RecordedByComponents(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	repo := newMemoryRepository()
	types := newTestTypes(t)

	writer, err := NewWriter(repo, types, WithMeterProvider(provider))
	require.NoError(t, err)

	retriever, err := NewRetriever(repo, repo, WithMeterProvider(provider))
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(types, WithMeterProvider(provider))
	require.NoError(t, err)
	require.NoError(t, Subscribe(dispatcher, func(context.Context, accountOpened, *Message) error { return nil }))

	registry, err := NewConsumerRegistry(repo)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = registry.Register(ctx, "billing", false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = writer.Write(ctx, fakeTx(), accountOpened{AccountID: "a"})
		require.NoError(t, err)
	}

	batch, err := retriever.Fetch(ctx, "billing", 10)
	require.NoError(t, err)
	require.NoError(t, dispatcher.DispatchBatch(ctx, batch.Messages))

	assert.Equal(t, int64(3), collectSum(t, reader, "outbox.messages.written"))
	assert.Equal(t, int64(3), collectSum(t, reader, "outbox.messages.fetched"))
	assert.Equal(t, int64(3), collectSum(t, reader, "outbox.messages.dispatched"))
}
