package tokenx

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/bionicotaku/lingo-utils-tokenx"

type instruments struct {
	hits         metric.Int64Counter
	misses       metric.Int64Counter
	mints        metric.Int64Counter
	mintDuration metric.Float64Histogram
}

var (
	resultOK        = metric.WithAttributes(attribute.String("result", "ok"))
	resultError     = metric.WithAttributes(attribute.String("result", "error"))
	resultAbandoned = metric.WithAttributes(attribute.String("result", "abandoned"))
)

func newInstruments(provider metric.MeterProvider) (*instruments, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	hits, err := meter.Int64Counter("tokenx.cache.hits",
		metric.WithDescription("Tokens served from the cache."))
	if err != nil {
		return nil, fmt.Errorf("create hits counter: %w", err)
	}
	misses, err := meter.Int64Counter("tokenx.cache.misses",
		metric.WithDescription("Lookups that required a new token."))
	if err != nil {
		return nil, fmt.Errorf("create misses counter: %w", err)
	}
	mints, err := meter.Int64Counter("tokenx.mint.count",
		metric.WithDescription("Sign operations by result."))
	if err != nil {
		return nil, fmt.Errorf("create mint counter: %w", err)
	}
	mintDuration, err := meter.Float64Histogram("tokenx.mint.duration",
		metric.WithDescription("Time spent signing a token."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create mint duration histogram: %w", err)
	}
	return &instruments{hits: hits, misses: misses, mints: mints, mintDuration: mintDuration}, nil
}

func (m *instruments) hit(ctx context.Context) {
	m.hits.Add(ctx, 1)
}

func (m *instruments) miss(ctx context.Context) {
	m.misses.Add(ctx, 1)
}

func (m *instruments) minted(ctx context.Context, started time.Time, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	m.mints.Add(ctx, 1, result)
	m.mintDuration.Record(ctx, time.Since(started).Seconds(), result)
}

// abandoned records a mint whose caller gave up before the signer returned.
func (m *instruments) abandoned(ctx context.Context, started time.Time) {
	m.mints.Add(ctx, 1, resultAbandoned)
	m.mintDuration.Record(ctx, time.Since(started).Seconds(), resultAbandoned)
}
