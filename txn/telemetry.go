package txn

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/rocketbitz/fabricpm/internal/obs"
)

// Logger provides debug logging hooks for the transaction layer.
type Logger = obs.Logger

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger = obs.StructuredLogger

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute = obs.TraceAttribute

// Tracer starts spans that wrap dispatcher activity.
type Tracer = obs.Tracer

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span = obs.Span

// NewOTelTracer adapts an OpenTelemetry tracer to the Tracer hook.
func NewOTelTracer(tracer trace.Tracer) Tracer {
	return obs.NewOTelTracer(tracer)
}

// MetricHook captures transaction dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	ReceiveError(kind string, err error, attrs map[string]string)
	RequestCompleted(attrs map[string]string)
	RequestRetried(attrs map[string]string)
	RequestTimedOut(attrs map[string]string)
	ResponseDropped(reason string, attrs map[string]string)
}

const (
	labelComponent = "component"
	labelTransport = "transport"
	labelAttribute = "attribute"
	labelKind      = "kind"
	labelReason    = "reason"
)

func (c *Context) metricAttrs(fields ...obs.Field) map[string]string {
	return obs.Attrs(c.baseAttrs, fields...)
}

func (c *Context) metricDispatcherStarted(fields ...obs.Field) {
	if c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Context) metricDispatcherStopped(fields ...obs.Field) {
	if c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Context) metricReceiveError(kind string, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.ReceiveError(kind, err, c.metricAttrs())
}

func (c *Context) metricRequestCompleted(attr string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RequestCompleted(c.metricAttrs(obs.KV(labelAttribute, attr)))
}

func (c *Context) metricRequestRetried(attr string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RequestRetried(c.metricAttrs(obs.KV(labelAttribute, attr)))
}

func (c *Context) metricRequestTimedOut(attr string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RequestTimedOut(c.metricAttrs(obs.KV(labelAttribute, attr)))
}

func (c *Context) metricResponseDropped(reason string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ResponseDropped(reason, c.metricAttrs())
}

func (c *Context) startDispatcherSpan() Span {
	if c.tracer == nil {
		return nil
	}
	return c.tracer.StartSpan("fabricpm-txn-dispatcher",
		TraceAttribute{Key: labelComponent, Value: c.cfg.Name},
		TraceAttribute{Key: labelTransport, Value: c.transportName},
		TraceAttribute{Key: "pool_size", Value: c.cfg.PoolSize},
	)
}
