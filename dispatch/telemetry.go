package dispatch

import (
	"github.com/rocketbitz/fabricpm/internal/obs"
)

// Logger provides debug logging hooks for the sweep dispatcher.
type Logger = obs.Logger

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger = obs.StructuredLogger

// TraceAttribute represents a tracing attribute attached to sweep spans or events.
type TraceAttribute = obs.TraceAttribute

// Tracer starts spans that wrap sweeps.
type Tracer = obs.Tracer

// Span records sweep lifecycle, node events and errors for tracing systems.
type Span = obs.Span

// MetricHook captures sweep telemetry events.
type MetricHook interface {
	SweepStarted(attrs map[string]string)
	SweepCompleted(status string, attrs map[string]string)
	NodeCompleted(attrs map[string]string)
	NodeFailed(reason string, attrs map[string]string)
	NodeSkipped(reason string, attrs map[string]string)
	PacketSent(attrs map[string]string)
	PacketFailed(reason string, attrs map[string]string)
}

const (
	labelComponent = "component"
	labelNodeType  = "node_type"
	labelPhase     = "phase"
	labelReason    = "reason"
	labelStatus    = "status"
)

func (d *Dispatcher) metricAttrs(fields ...obs.Field) map[string]string {
	return obs.Attrs(d.baseAttrs, fields...)
}

func (d *Dispatcher) metricSweepStarted() {
	if d.metrics == nil {
		return
	}
	d.metrics.SweepStarted(d.metricAttrs())
}

func (d *Dispatcher) metricSweepCompleted(status string) {
	if d.metrics == nil {
		return
	}
	d.metrics.SweepCompleted(status, d.metricAttrs())
}

func (d *Dispatcher) metricNodeCompleted(nodeType string) {
	if d.metrics == nil {
		return
	}
	d.metrics.NodeCompleted(d.metricAttrs(obs.KV(labelNodeType, nodeType)))
}

func (d *Dispatcher) metricNodeFailed(reason, nodeType string, phase Phase) {
	if d.metrics == nil {
		return
	}
	d.metrics.NodeFailed(reason, d.metricAttrs(obs.KV(labelNodeType, nodeType), obs.KV(labelPhase, phase)))
}

func (d *Dispatcher) metricNodeSkipped(reason, nodeType string) {
	if d.metrics == nil {
		return
	}
	d.metrics.NodeSkipped(reason, d.metricAttrs(obs.KV(labelNodeType, nodeType)))
}

func (d *Dispatcher) metricPacketSent(phase Phase) {
	if d.metrics == nil {
		return
	}
	d.metrics.PacketSent(d.metricAttrs(obs.KV(labelPhase, phase)))
}

func (d *Dispatcher) metricPacketFailed(reason string, phase Phase) {
	if d.metrics == nil {
		return
	}
	d.metrics.PacketFailed(reason, d.metricAttrs(obs.KV(labelPhase, phase)))
}

func (d *Dispatcher) startSweepSpan(sc *SweepContext) Span {
	if d.tracer == nil {
		return nil
	}
	return d.tracer.StartSpan("fabricpm-sweep",
		TraceAttribute{Key: labelComponent, Value: d.cfg.Name},
		TraceAttribute{Key: "sweep_id", Value: sc.summary.ID},
		TraceAttribute{Key: "sweep_index", Value: sc.summary.Index},
		TraceAttribute{Key: "max_lid", Value: sc.maxLID},
	)
}
