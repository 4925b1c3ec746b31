package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "strata"

// metrics holds the Prometheus metrics for one Handler.
type metrics struct {
	requestsTotal  *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	deployErrors   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of page requests, by app and outcome",
		}, []string{"app", "outcome", "status"}),

		renderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "render_duration_seconds",
			Help:      "Time taken to serve page requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app"}),

		deployErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deploy_errors_total",
			Help:      "Total number of failed app deploys",
		}, []string{"app"}),
	}
}
