package dispatch

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	sweepsStarted   *prometheus.CounterVec
	sweepsCompleted *prometheus.CounterVec
	nodesCompleted  *prometheus.CounterVec
	nodesFailed     *prometheus.CounterVec
	nodesSkipped    *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	packetsFailed   *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		sweepsStarted:   counter("fabricpm_dispatch_sweeps_started_total", "Number of counter sweeps started", sweepLabelKeys),
		sweepsCompleted: counter("fabricpm_dispatch_sweeps_completed_total", "Number of counter sweeps finished, by status", statusLabelKeys),
		nodesCompleted:  counter("fabricpm_dispatch_nodes_completed_total", "Number of nodes swept without failure", nodeLabelKeys),
		nodesFailed:     counter("fabricpm_dispatch_nodes_failed_total", "Number of nodes that stopped responding during a sweep", nodeFailedLabelKeys),
		nodesSkipped:    counter("fabricpm_dispatch_nodes_skipped_total", "Number of nodes excluded from a sweep", nodeSkippedLabelKeys),
		packetsSent:     counter("fabricpm_dispatch_packets_sent_total", "Number of requests handed to the transaction layer", packetLabelKeys),
		packetsFailed:   counter("fabricpm_dispatch_packets_failed_total", "Number of requests without a usable reply", packetFailedLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.sweepsStarted, &p.sweepsCompleted, &p.nodesCompleted, &p.nodesFailed,
		&p.nodesSkipped, &p.packetsSent, &p.packetsFailed,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

var (
	sweepLabelKeys        = []string{labelComponent}
	statusLabelKeys       = []string{labelComponent, labelStatus}
	nodeLabelKeys         = []string{labelComponent, labelNodeType}
	nodeFailedLabelKeys   = []string{labelComponent, labelNodeType, labelPhase, labelReason}
	nodeSkippedLabelKeys  = []string{labelComponent, labelNodeType, labelReason}
	packetLabelKeys       = []string{labelComponent, labelPhase}
	packetFailedLabelKeys = []string{labelComponent, labelPhase, labelReason}
)

func (p *PrometheusMetrics) SweepStarted(attrs map[string]string) {
	p.sweepsStarted.With(labels(attrs, sweepLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SweepCompleted(status string, attrs map[string]string) {
	labs := labels(attrs, statusLabelKeys...)
	labs[labelStatus] = status
	p.sweepsCompleted.With(labs).Inc()
}

func (p *PrometheusMetrics) NodeCompleted(attrs map[string]string) {
	p.nodesCompleted.With(labels(attrs, nodeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) NodeFailed(reason string, attrs map[string]string) {
	labs := labels(attrs, nodeFailedLabelKeys...)
	labs[labelReason] = reason
	p.nodesFailed.With(labs).Inc()
}

func (p *PrometheusMetrics) NodeSkipped(reason string, attrs map[string]string) {
	labs := labels(attrs, nodeSkippedLabelKeys...)
	labs[labelReason] = reason
	p.nodesSkipped.With(labs).Inc()
}

func (p *PrometheusMetrics) PacketSent(attrs map[string]string) {
	p.packetsSent.With(labels(attrs, packetLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PacketFailed(reason string, attrs map[string]string) {
	labs := labels(attrs, packetFailedLabelKeys...)
	labs[labelReason] = reason
	p.packetsFailed.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
