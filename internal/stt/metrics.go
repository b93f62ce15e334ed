package stt

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/stt"

type metrics struct {
	decodes   metric.Int64Counter
	partials  metric.Int64Counter
	duration  metric.Float64Histogram
	audioSecs metric.Float64Counter
	overflows metric.Int64Counter
}

// newMetrics registers instruments on the global meter provider. Instruments
// that fail to register are left nil and skipped.
func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	m.decodes, _ = meter.Int64Counter("loqa.stt.decodes", metric.WithDescription("Decode calls by mode and outcome"))
	m.partials, _ = meter.Int64Counter("loqa.stt.partials", metric.WithDescription("Distinct intermediate transcripts emitted"))
	m.duration, _ = meter.Float64Histogram("loqa.stt.decode.duration", metric.WithUnit("s"), metric.WithDescription("Decode wall time"))
	m.audioSecs, _ = meter.Float64Counter("loqa.stt.audio", metric.WithUnit("s"), metric.WithDescription("Seconds of audio decoded"))
	m.overflows, _ = meter.Int64Counter("loqa.audio.fifo.overflows", metric.WithDescription("Ingest fifo overflow errors"))
	return m
}

func (m *metrics) recordDecode(ctx context.Context, mode DecodeMode, outcome string, elapsed time.Duration, audioSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode.String()), attribute.String("outcome", outcome))
	if m.decodes != nil {
		m.decodes.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if m.audioSecs != nil && audioSeconds > 0 {
		m.audioSecs.Add(ctx, audioSeconds, metric.WithAttributes(attribute.String("mode", mode.String())))
	}
}

func (m *metrics) recordPartial(ctx context.Context, mode DecodeMode) {
	if m == nil || m.partials == nil {
		return
	}
	m.partials.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
}

func (m *metrics) recordOverflow(ctx context.Context) {
	if m == nil || m.overflows == nil {
		return
	}
	m.overflows.Add(ctx, 1)
}
