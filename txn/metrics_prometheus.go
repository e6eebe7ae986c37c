package txn

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
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	receiveErrors     *prometheus.CounterVec
	requestCompleted  *prometheus.CounterVec
	requestRetried    *prometheus.CounterVec
	requestTimedOut   *prometheus.CounterVec
	responseDropped   *prometheus.CounterVec
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
		dispatcherStarted: counter("fabricpm_txn_dispatcher_started_total", "Number of times the transaction dispatcher started", dispatcherLabelKeys),
		dispatcherStopped: counter("fabricpm_txn_dispatcher_stopped_total", "Number of times the transaction dispatcher stopped", dispatcherLabelKeys),
		receiveErrors:     counter("fabricpm_txn_receive_errors_total", "Number of transport receive errors", kindLabelKeys),
		requestCompleted:  counter("fabricpm_txn_requests_completed_total", "Number of requests answered by an agent", requestLabelKeys),
		requestRetried:    counter("fabricpm_txn_requests_retried_total", "Number of request resends after a response timeout", requestLabelKeys),
		requestTimedOut:   counter("fabricpm_txn_requests_timed_out_total", "Number of requests that exhausted their retries", requestLabelKeys),
		responseDropped:   counter("fabricpm_txn_responses_dropped_total", "Number of datagrams dropped without a matching request", reasonLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.dispatcherStarted, &p.dispatcherStopped, &p.receiveErrors,
		&p.requestCompleted, &p.requestRetried, &p.requestTimedOut, &p.responseDropped,
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
	dispatcherLabelKeys = []string{labelComponent, labelTransport}
	kindLabelKeys       = []string{labelComponent, labelTransport, labelKind}
	requestLabelKeys    = []string{labelComponent, labelTransport, labelAttribute}
	reasonLabelKeys     = []string{labelComponent, labelTransport, labelReason}
)

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, kindLabelKeys...)
	labs[labelKind] = kind
	p.receiveErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) RequestCompleted(attrs map[string]string) {
	p.requestCompleted.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestRetried(attrs map[string]string) {
	p.requestRetried.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestTimedOut(attrs map[string]string) {
	p.requestTimedOut.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ResponseDropped(reason string, attrs map[string]string) {
	labs := labels(attrs, reasonLabelKeys...)
	labs[labelReason] = reason
	p.responseDropped.With(labs).Inc()
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
