package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// callsTotal counts individual HTTP calls by endpoint and per-call result.
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_gateway_upstream_calls_total",
			Help: "Total number of outbound HTTP calls issued by the fetcher",
		},
		[]string{"endpoint", "result"},
	)

	// outcomesTotal counts terminal fetch outcomes by endpoint and kind.
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_gateway_fetch_outcomes_total",
			Help: "Total number of terminal fetch outcomes",
		},
		[]string{"endpoint", "outcome"},
	)

	// backoffSeconds accumulates time spent waiting between calls.
	backoffSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_gateway_fetch_backoff_seconds_total",
			Help: "Total seconds spent sleeping before retries",
		},
		[]string{"endpoint", "reason"},
	)
)

const (
	resultSuccess     = "success"
	resultRateLimited = "rate_limited"
	resultNetwork     = "network_error"
	resultStatus      = "status_error"
	resultBreakerOpen = "breaker_open"
)
