package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesme_http_requests_total",
			Help: "API requests by method, route pattern and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seriesme_http_request_duration_ms",
			Help:    "API latency distribution in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"method", "route"},
	)

	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesme_provider_calls_total",
			Help: "Narration and animation provider results by provider.",
		},
		[]string{"kind", "provider", "success"},
	)
)

func init() {
	register(httpRequests, httpLatencyMs, providerCalls)
}

func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpLatencyMs.WithLabelValues(method, route).Observe(float64(elapsed.Microseconds()) / 1000)
}

func ObserveProvider(kind, provider string, success bool) {
	providerCalls.WithLabelValues(norm(kind), norm(provider), strconv.FormatBool(success)).Inc()
}
