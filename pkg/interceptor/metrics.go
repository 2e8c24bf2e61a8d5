package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	logWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchlog_log_writes_total",
		Help: "Storage write attempts made by the log pipeline",
	}, []string{"op", "result"})
	logFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchlog_log_failures_total",
		Help: "Log tasks that gave up after retries",
	}, []string{"op"})
	logSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchlog_log_skipped_total",
		Help: "Requests that produced no search record",
	}, []string{"reason"})
	logInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "searchlog_log_in_flight",
		Help: "Log tasks currently running",
	})
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "searchlog_storage_breaker_state",
		Help: "Storage circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
	requestTokenHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "searchlog_prompt_tokens",
		Help:    "Token count of logged user messages",
		Buckets: []float64{1, 10, 50, 100, 500, 1_000, 2_000, 4_000, 8_000, 16_000},
	})
)
