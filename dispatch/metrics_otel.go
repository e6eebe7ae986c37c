package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter           metric.Meter
	sweepsStarted   metric.Int64Counter
	sweepsCompleted metric.Int64Counter
	nodesCompleted  metric.Int64Counter
	nodesFailed     metric.Int64Counter
	nodesSkipped    metric.Int64Counter
	packetsSent     metric.Int64Counter
	packetsFailed   metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/fabricpm/dispatch"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.sweepsStarted, "fabricpm.dispatch.sweeps.started"},
		{&o.sweepsCompleted, "fabricpm.dispatch.sweeps.completed"},
		{&o.nodesCompleted, "fabricpm.dispatch.nodes.completed"},
		{&o.nodesFailed, "fabricpm.dispatch.nodes.failed"},
		{&o.nodesSkipped, "fabricpm.dispatch.nodes.skipped"},
		{&o.packetsSent, "fabricpm.dispatch.packets.sent"},
		{&o.packetsFailed, "fabricpm.dispatch.packets.failed"},
	} {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// SweepStarted records the start of a sweep.
func (o *OTelMetrics) SweepStarted(attrs map[string]string) {
	o.sweepsStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SweepCompleted records a finished sweep and whether it ran to the end.
func (o *OTelMetrics) SweepCompleted(status string, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelStatus, status))
	o.sweepsCompleted.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// NodeCompleted records a node swept without failure.
func (o *OTelMetrics) NodeCompleted(attrs map[string]string) {
	o.nodesCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelNodeType)...))
}

// NodeFailed records a node that stopped responding.
func (o *OTelMetrics) NodeFailed(reason string, attrs map[string]string) {
	attributes := append(otelAttrsWith(attrs, labelNodeType, labelPhase), attribute.String(labelReason, reason))
	o.nodesFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// NodeSkipped records a node excluded from the sweep.
func (o *OTelMetrics) NodeSkipped(reason string, attrs map[string]string) {
	attributes := append(otelAttrsWith(attrs, labelNodeType), attribute.String(labelReason, reason))
	o.nodesSkipped.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// PacketSent records a request handed to the transaction layer.
func (o *OTelMetrics) PacketSent(attrs map[string]string) {
	o.packetsSent.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelPhase)...))
}

// PacketFailed records a request without a usable reply.
func (o *OTelMetrics) PacketFailed(reason string, attrs map[string]string) {
	attributes := append(otelAttrsWith(attrs, labelPhase), attribute.String(labelReason, reason))
	o.packetsFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(labelComponent, attrs[labelComponent])}
}

func otelAttrsWith(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
