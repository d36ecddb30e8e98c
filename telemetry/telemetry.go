// Package telemetry provides simple metrics and span-event emission for the
// orchestration core.
//
// The API is intentionally small: components call Counter, Histogram and
// AddSpanEvent with variadic key-value label pairs. Instruments are created
// lazily on the OpenTelemetry global meter, so the embedding process decides
// whether and where metrics are exported by installing a MeterProvider.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/jobriver/jobriver"

var (
	mu         sync.Mutex
	counters   = map[string]metric.Float64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

// Counter increments a counter metric by 1.
// Labels are provided as key-value pairs:
//
//	telemetry.Counter("jobriver.jobs.submitted", "region", "europe")
func Counter(name string, labels ...string) {
	Add(name, 1, labels...)
}

// Add increments a counter metric by value.
func Add(name string, value float64, labels ...string) {
	c, err := counterFor(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(kvAttrs(labels)...))
}

// Histogram records a value in a distribution. Used for latencies, batch
// sizes and queue depths.
func Histogram(name string, value float64, labels ...string) {
	h, err := histogramFor(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(kvAttrs(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// AddSpanEvent attaches an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// StartSpan starts a span on the global tracer. Callers must End it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(meterName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func counterFor(name string) (metric.Float64Counter, error) {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := counters[name]; ok {
		return c, nil
	}
	c, err := otel.Meter(meterName).Float64Counter(name)
	if err != nil {
		return nil, err
	}
	counters[name] = c
	return c, nil
}

func histogramFor(name string) (metric.Float64Histogram, error) {
	mu.Lock()
	defer mu.Unlock()
	if h, ok := histograms[name]; ok {
		return h, nil
	}
	h, err := otel.Meter(meterName).Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	histograms[name] = h
	return h, nil
}

// kvAttrs converts variadic key-value pairs into otel attributes.
// An unpaired trailing key is dropped.
func kvAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
