package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	explainTotal       *prometheus.CounterVec
	retrievalCitations *prometheus.HistogramVec
	retrievalDegraded  *prometheus.CounterVec
	retrievalNoContext *prometheus.CounterVec
	explainDuration    *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelrag",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labelrag",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labelrag",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	explainTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelrag",
			Subsystem: "explain",
			Name:      "requests_total",
			Help:      "Total explanation requests by outcome.",
		},
		[]string{"service", "outcome"},
	)
	retrievalCitations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labelrag",
			Subsystem: "retrieval",
			Name:      "citations",
			Help:      "Distribution of citations returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
		},
		[]string{"service", "endpoint"},
	)
	retrievalDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelrag",
			Subsystem: "retrieval",
			Name:      "degraded_total",
			Help:      "Total retrievals served by the unranked fallback.",
		},
		[]string{"service", "endpoint"},
	)
	retrievalNoContext := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelrag",
			Subsystem: "retrieval",
			Name:      "no_context_total",
			Help:      "Total retrievals that found no chunks.",
		},
		[]string{"service", "endpoint"},
	)
	explainDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labelrag",
			Subsystem: "explain",
			Name:      "duration_seconds",
			Help:      "Explanation pipeline duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		explainTotal,
		retrievalCitations,
		retrievalDegraded,
		retrievalNoContext,
		explainDuration,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		explainTotal:       explainTotal,
		retrievalCitations: retrievalCitations,
		retrievalDegraded:  retrievalDegraded,
		retrievalNoContext: retrievalNoContext,
		explainDuration:    explainDuration,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			r.URL.Path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

func (m *HTTPServerMetrics) RecordExplain(service, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.explainTotal.WithLabelValues(service, outcome).Inc()
	m.explainDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordRetrieval(service, endpoint string, citationCount int, degraded bool) {
	m.retrievalCitations.WithLabelValues(service, endpoint).Observe(float64(citationCount))
	if degraded {
		m.retrievalDegraded.WithLabelValues(service, endpoint).Inc()
	}
	if citationCount == 0 {
		m.retrievalNoContext.WithLabelValues(service, endpoint).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
