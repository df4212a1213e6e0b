// Package metrics exposes the Prometheus collectors shared by the HTTP
// surface, the remote batch client and the continuation dispatcher.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pdfwatcher"

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	remoteBatchTotal           *prometheus.CounterVec
	remoteBatchDuration        *prometheus.HistogramVec
	remoteBatchRetriesTotal    *prometheus.CounterVec
	continuationsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies, labeled by method and route.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
		remoteBatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remote_batch",
				Name:      "calls_total",
				Help:      "Remote batch-diff attempts, labeled by host and result.",
			},
			[]string{"host", "result"},
		)
		remoteBatchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "remote_batch",
				Name:      "call_duration_seconds",
				Help:      "Remote batch-diff attempt latencies, labeled by host.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"host"},
		)
		remoteBatchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remote_batch",
				Name:      "retries_total",
				Help:      "Remote batch-diff retries, labeled by host.",
			},
			[]string{"host"},
		)
		continuationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "continuations_dispatched_total",
				Help:      "Fired continuations, labeled by invocation outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeHost extracts a lowercase hostname for use as a label value.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveRemoteBatch records one remote batch attempt.
func ObserveRemoteBatch(host, result string, d time.Duration) {
	Init()
	remoteBatchTotal.WithLabelValues(host, result).Inc()
	remoteBatchDuration.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveRemoteRetry records a retried remote batch attempt.
func ObserveRemoteRetry(host string) {
	Init()
	remoteBatchRetriesTotal.WithLabelValues(host).Inc()
}

// ObserveContinuation records a fired continuation and its outcome.
func ObserveContinuation(outcome string) {
	Init()
	continuationsTotal.WithLabelValues(outcome).Inc()
}
