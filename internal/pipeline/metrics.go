package pipeline

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

type metrics struct {
	enqueued metric.Int64Counter
	fallback metric.Int64Counter
	failed   metric.Int64Counter
	latency  metric.Float64Histogram
	active   atomic.Int64
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.enqueued, err = meter.Int64Counter("narrator.chunks.enqueued", metric.WithDescription("Chunks handed to playback")); err != nil {
		return nil, err
	}
	if m.fallback, err = meter.Int64Counter("narrator.chunks.fallback", metric.WithDescription("Chunks spoken by the device voice")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("narrator.chunks.failed", metric.WithDescription("Chunks that produced no audio")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("narrator.synthesis.latency", metric.WithDescription("Synthesis call latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("narrator.sessions.active", metric.WithDescription("Sessions currently playing"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, m.active.Load())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) observeLatency(ctx context.Context, backend string, ms float64, ok bool) {
	if m == nil {
		return
	}
	m.latency.Record(ctx, ms, metric.WithAttributes(attribute.String("backend", backend), attribute.Bool("ok", ok)))
}

type outcome int

const (
	outcomeEnqueued outcome = iota
	outcomeFallback
	outcomeFailed
)

func (m *metrics) chunk(ctx context.Context, o outcome, mode string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	switch o {
	case outcomeEnqueued:
		m.enqueued.Add(ctx, 1, attrs)
	case outcomeFallback:
		m.fallback.Add(ctx, 1, attrs)
	case outcomeFailed:
		m.failed.Add(ctx, 1, attrs)
	}
}

func (m *metrics) sessionStarted() {
	if m != nil {
		m.active.Add(1)
	}
}

func (m *metrics) sessionEnded() {
	if m != nil {
		m.active.Add(-1)
	}
}
