package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	jobTotal       *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobInFlight    prometheus.Gauge
	queueLag       *prometheus.HistogramVec
	chunksInserted *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	jobTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelrag",
			Subsystem: "worker",
			Name:      "ingest_jobs_total",
			Help:      "Total ingestion jobs by kind and status.",
		},
		[]string{"service", "kind", "status"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labelrag",
			Subsystem: "worker",
			Name:      "ingest_job_duration_seconds",
			Help:      "Ingestion job duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	jobInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labelrag",
			Subsystem: "worker",
			Name:      "ingest_jobs_in_flight",
			Help:      "Number of in-flight ingestion jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labelrag",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between job creation and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	chunksInserted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labelrag",
			Subsystem: "worker",
			Name:      "chunks_inserted_total",
			Help:      "Total label chunks inserted by completed jobs.",
		},
		[]string{"service"},
	)

	registry.MustRegister(jobTotal, jobDuration, jobInFlight, queueLag, chunksInserted)

	return &WorkerMetrics{
		registry:       registry,
		jobTotal:       jobTotal,
		jobDuration:    jobDuration,
		jobInFlight:    jobInFlight,
		queueLag:       queueLag,
		chunksInserted: chunksInserted,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob() {
	m.jobInFlight.Inc()
}

func (m *WorkerMetrics) FinishJob(service, kind string, duration time.Duration, chunksInserted int, err error) {
	m.jobInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	if kind == "" {
		kind = "unknown"
	}

	m.jobTotal.WithLabelValues(service, kind, status).Inc()
	m.jobDuration.WithLabelValues(service, status).Observe(duration.Seconds())
	if chunksInserted > 0 {
		m.chunksInserted.WithLabelValues(service).Add(float64(chunksInserted))
	}
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}
