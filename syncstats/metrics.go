package syncstats

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of requests sent to peers, by request type.
	Requests metrics.Counter

	// Number of responses matched to a request, by request type.
	Responses metrics.Counter

	// Seconds between a request and its response, by request type.
	ResponseSeconds metrics.Histogram

	// Number of blocks received, imported or stored, by kind.
	Blocks metrics.Counter

	// Average number of blocks imported per second since start.
	BlocksPerSecond metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}

	return &Metrics{
		Requests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_total",
			Help:      "Number of requests sent to peers.",
		}, withLabel(labels, "request_type")).With(labelsAndValues...),
		Responses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "responses_total",
			Help:      "Number of responses matched to a request.",
		}, withLabel(labels, "request_type")).With(labelsAndValues...),
		ResponseSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "response_seconds",
			Help:      "Time between a request and its response.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, withLabel(labels, "request_type")).With(labelsAndValues...),
		Blocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_total",
			Help:      "Number of blocks received, imported or stored.",
		}, withLabel(labels, "kind")).With(labelsAndValues...),
		BlocksPerSecond: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_per_second",
			Help:      "Average number of blocks imported per second.",
		}, labels).With(labelsAndValues...),
	}
}

// withLabel returns a copy of labels followed by name, so that metrics never
// share the backing array of their label names.
func withLabel(labels []string, name string) []string {
	out := make([]string, 0, len(labels)+1)
	out = append(out, labels...)

	return append(out, name)
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Requests:        discard.NewCounter(),
		Responses:       discard.NewCounter(),
		ResponseSeconds: discard.NewHistogram(),
		Blocks:          discard.NewCounter(),
		BlocksPerSecond: discard.NewGauge(),
	}
}
