package txn

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
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	receiveErrors     metric.Int64Counter
	requestCompleted  metric.Int64Counter
	requestRetried    metric.Int64Counter
	requestTimedOut   metric.Int64Counter
	responseDropped   metric.Int64Counter
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
			name = "github.com/rocketbitz/fabricpm/txn"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.dispatcherStarted, "fabricpm.txn.dispatcher.started"},
		{&o.dispatcherStopped, "fabricpm.txn.dispatcher.stopped"},
		{&o.receiveErrors, "fabricpm.txn.receive_errors"},
		{&o.requestCompleted, "fabricpm.txn.requests.completed"},
		{&o.requestRetried, "fabricpm.txn.requests.retried"},
		{&o.requestTimedOut, "fabricpm.txn.requests.timed_out"},
		{&o.responseDropped, "fabricpm.txn.responses.dropped"},
	} {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// DispatcherStarted records that the dispatcher loop has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that the dispatcher loop has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReceiveError counts transport receive failures.
func (o *OTelMetrics) ReceiveError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.receiveErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// RequestCompleted records a request answered by its agent.
func (o *OTelMetrics) RequestCompleted(attrs map[string]string) {
	o.requestCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithAttribute(attrs)...))
}

// RequestRetried records a resend.
func (o *OTelMetrics) RequestRetried(attrs map[string]string) {
	o.requestRetried.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithAttribute(attrs)...))
}

// RequestTimedOut records a request that exhausted its retries.
func (o *OTelMetrics) RequestTimedOut(attrs map[string]string) {
	o.requestTimedOut.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithAttribute(attrs)...))
}

// ResponseDropped records a datagram that matched no outstanding request.
func (o *OTelMetrics) ResponseDropped(reason string, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelReason, reason))
	o.responseDropped.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelComponent, attrs[labelComponent]),
		attribute.String(labelTransport, attrs[labelTransport]),
	}
}

func otelAttrsWithAttribute(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelAttribute]; v != "" {
		kvs = append(kvs, attribute.String(labelAttribute, v))
	}
	return kvs
}
