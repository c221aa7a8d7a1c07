package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Validation metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram
	verdicts      *prometheus.CounterVec

	// Pipeline stats per category
	candidates *prometheus.GaugeVec
	validated  *prometheus.GaugeVec

	// Source metrics
	sourcesFetched *prometheus.CounterVec
	sourceErrors   *prometheus.CounterVec

	// Cycle metrics
	cycleDuration prometheus.Histogram
	cycleErrors   *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers collectors with the default prometheus registry
func NewCollector(namespace string) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace)
}

// NewCollectorWith registers collectors with reg, so tests can pass a
// fresh prometheus.NewRegistry().
func NewCollectorWith(reg prometheus.Registerer, namespace string) *Collector {
	f := promauto.With(reg)
	return &Collector{
		probesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of probe attempts through candidate proxies",
			},
			[]string{"category", "result"},
		),
		probeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of successful probes in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
			},
		),
		verdicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_checked_total",
				Help:      "Validation verdicts per candidate",
			},
			[]string{"category", "verdict"},
		),
		candidates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "candidates",
				Help:      "Candidates produced by the last normalization",
			},
			[]string{"category"},
		),
		validated: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "validated_proxies",
				Help:      "Proxies in the currently published snapshot",
			},
			[]string{"category"},
		),
		sourcesFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_lines_total",
				Help:      "Total number of raw lines fetched from sources",
			},
			[]string{"source"},
		),
		sourceErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Total number of failed source fetches",
			},
			[]string{"source"},
		),
		cycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of refresh cycles in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		cycleErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_errors_total",
				Help:      "Category pipelines aborted by an unexpected error",
			},
			[]string{"category"},
		),
		apiRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
}

func (c *Collector) RecordProbe(category, result string) {
	c.probesTotal.WithLabelValues(category, result).Inc()
}

func (c *Collector) RecordProbeDuration(seconds float64) {
	c.probeDuration.Observe(seconds)
}

func (c *Collector) RecordVerdict(category string, accepted bool) {
	verdict := "rejected"
	if accepted {
		verdict = "accepted"
	}
	c.verdicts.WithLabelValues(category, verdict).Inc()
}

func (c *Collector) SetCandidates(category string, count int) {
	c.candidates.WithLabelValues(category).Set(float64(count))
}

func (c *Collector) SetValidated(category string, count int) {
	c.validated.WithLabelValues(category).Set(float64(count))
}

func (c *Collector) RecordSourceLines(source string, count int) {
	c.sourcesFetched.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordSourceError(source string) {
	c.sourceErrors.WithLabelValues(source).Inc()
}

func (c *Collector) RecordCycleDuration(seconds float64) {
	c.cycleDuration.Observe(seconds)
}

func (c *Collector) RecordCycleError(category string) {
	c.cycleErrors.WithLabelValues(category).Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
