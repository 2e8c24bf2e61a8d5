package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "searchlog_upstream_latency_seconds",
		Help:    "Time until the upstream answered with response headers",
		Buckets: prometheus.DefBuckets,
	})
	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchlog_upstream_errors_total",
		Help: "Upstream failures by kind (unreachable, read, stream, 4xx, 5xx)",
	}, []string{"kind"})
	streamChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "searchlog_stream_chunks_total",
		Help: "Chunks relayed to clients on streamed responses",
	})
)
