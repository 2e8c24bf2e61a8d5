package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchlog_http_requests_total",
		Help: "HTTP requests served, by route group and status code",
	}, []string{"route", "code"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "searchlog_http_request_duration_seconds",
		Help:    "Time to serve a request, including streamed bodies",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"route"})
	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searchlog_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by backend",
	}, []string{"backend"})
)

// Metrics records request counts and latency.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		httpRequests.WithLabelValues(route, strconv.Itoa(rec.code())).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel keeps label cardinality bounded whatever paths clients send.
func routeLabel(path string) string {
	switch {
	case path == "/v1/chat/completions":
		return "chat_completions"
	case strings.HasPrefix(path, "/v1/"):
		return "v1_passthrough"
	case path == "/log-search":
		return "log_search"
	case strings.HasPrefix(path, "/admin/"):
		return "admin"
	case path == "/health", path == "/metrics":
		return strings.TrimPrefix(path, "/")
	default:
		return "other"
	}
}
