package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/txn"
)

const instrumentationName = "github.com/rocketbitz/fabricpm"

// telemetry owns the OpenTelemetry providers of one command run. Finished
// spans are written to the debug log; counters are read back on demand.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
}

func newTelemetry(logger *zap.SugaredLogger) (*telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "fabricpm"),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	reader := sdkmetric.NewManualReader()
	return &telemetry{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}),
		),
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
		reader: reader,
	}, nil
}

func (t *telemetry) txnTracer() txn.Tracer {
	return txn.NewOTelTracer(t.tracerProvider.Tracer(instrumentationName + "/txn"))
}

func (t *telemetry) dispatchTracer() dispatch.Tracer {
	return txn.NewOTelTracer(t.tracerProvider.Tracer(instrumentationName + "/dispatch"))
}

func (t *telemetry) txnMetrics() (*txn.OTelMetrics, error) {
	return txn.NewOTelMetrics(txn.OTelMetricsOptions{MeterProvider: t.meterProvider, InstrumentationName: instrumentationName + "/txn"})
}

func (t *telemetry) dispatchMetrics() (*dispatch.OTelMetrics, error) {
	return dispatch.NewOTelMetrics(dispatch.OTelMetricsOptions{MeterProvider: t.meterProvider, InstrumentationName: instrumentationName + "/dispatch"})
}

// counterTotal is one counter summed over all attribute sets.
type counterTotal struct {
	Name  string
	Value int64
}

// counters collects every int64 sum recorded so far, sorted by name.
func (t *telemetry) counters(ctx context.Context) ([]counterTotal, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var out []counterTotal
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			out = append(out, counterTotal{Name: m.Name, Value: total})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracerProvider.Shutdown(ctx), t.meterProvider.Shutdown(ctx))
}

// logSpanProcessor writes finished spans to the debug log.
type logSpanProcessor struct {
	logger *zap.SugaredLogger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if p.logger == nil {
		return
	}
	p.logger.Debugw("fabricpm span",
		"event", "span_end",
		"name", s.Name(),
		"trace_id", s.SpanContext().TraceID().String(),
		"duration", s.EndTime().Sub(s.StartTime()),
		"status", s.Status().Code.String(),
		"events", len(s.Events()),
	)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
