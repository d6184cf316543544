package tokenx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByResult(t *testing.T, m metricdata.Metrics) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type %T", m.Data)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		result, _ := dp.Attributes.Value(attribute.Key("result"))
		out[result.AsString()] += dp.Value
	}
	return out
}

func TestIssuerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	clock := newFakeClock(time.Now())
	keySigner, err := NewKeySigner(newTestCredential(t), WithSignerClock(clock.Now))
	require.NoError(t, err)
	signer := &countingSigner{Signer: keySigner}
	issuer, err := NewIssuer(signer, WithClock(clock.Now), WithMeterProvider(provider))
	require.NoError(t, err)

	ctx := context.Background()
	d := exampleDescriptor()
	for n := 0; n < 3; n++ {
		_, err := issuer.GetOrIssue(ctx, d, exampleParams())
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)
	signer.setErr(errors.New("unavailable"))
	_, err = issuer.GetOrIssue(ctx, d, exampleParams())
	require.Error(t, err)

	metrics := collect(t, reader)

	hits := sumByResult(t, metrics["tokenx.cache.hits"])
	assert.EqualValues(t, 2, hits[""])
	misses := sumByResult(t, metrics["tokenx.cache.misses"])
	assert.EqualValues(t, 2, misses[""])

	mints := sumByResult(t, metrics["tokenx.mint.count"])
	assert.EqualValues(t, 1, mints["ok"])
	assert.EqualValues(t, 1, mints["error"])

	hist, ok := metrics["tokenx.mint.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 2, count)
}

func TestIssuerMetrics_AbandonedMint(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	keySigner, err := NewKeySigner(newTestCredential(t))
	require.NoError(t, err)
	signer := &countingSigner{Signer: keySigner, entered: make(chan struct{}, 1), release: make(chan struct{})}
	issuer, err := NewIssuer(signer, WithMeterProvider(provider))
	require.NoError(t, err)
	t.Cleanup(func() { _ = issuer.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := issuer.GetOrIssue(ctx, exampleDescriptor(), exampleParams())
		errCh <- err
	}()
	<-signer.entered
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	close(signer.release)

	metrics := collect(t, reader)
	mints := sumByResult(t, metrics["tokenx.mint.count"])
	assert.EqualValues(t, 1, mints["abandoned"])
	assert.Zero(t, mints["ok"])

	hist, ok := metrics["tokenx.mint.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	result, _ := hist.DataPoints[0].Attributes.Value(attribute.Key("result"))
	assert.Equal(t, "abandoned", result.AsString())
}
