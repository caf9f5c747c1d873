package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localvercel/preview/internal/domain"
)

const namespace = "previewd"

// Metrics collects run and worker counters.
type Metrics struct {
	runs      *prometheus.CounterVec
	workers   *prometheus.CounterVec
	failures  *prometheus.CounterVec
	uploads   prometheus.Histogram
	readiness *prometheus.HistogramVec
	swept     prometheus.Counter
	registry  prometheus.Registerer
}

// NewMetrics registers collectors on registerer, or the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Total runs by status transition.",
	}, []string{"status"})
	workers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_transitions_total",
		Help:      "Total worker status transitions.",
	}, []string{"status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failures_total",
		Help:      "Total failures by kind.",
	}, []string{"kind"})
	uploads := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_bytes",
		Help:      "Size of accepted uploads.",
		Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 10),
	})
	readiness := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_ready_seconds",
		Help:      "Time from upload to ready by project type.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"project_type"})
	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_swept_total",
		Help:      "Runs removed by the age-based sweep.",
	})

	return &Metrics{
		runs:      register(registerer, runs),
		workers:   register(registerer, workers),
		failures:  register(registerer, failures),
		uploads:   register(registerer, uploads),
		readiness: register(registerer, readiness),
		swept:     register(registerer, swept),
		registry:  registerer,
	}
}

// TrackActiveWorkers exports the value of fn as a gauge at scrape time.
func (m *Metrics) TrackActiveWorkers(fn func() int) {
	if m == nil || fn == nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Workers currently holding resources.",
	}, func() float64 { return float64(fn()) })
	_ = m.registry.Register(gauge)
}

func (m *Metrics) IncRun(status domain.RunStatus) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveUpload(size int64) {
	if m == nil || m.uploads == nil {
		return
	}
	m.uploads.Observe(float64(size))
}

func (m *Metrics) ObserveReady(projectType domain.ProjectType, elapsed time.Duration) {
	if m == nil || m.readiness == nil {
		return
	}
	m.readiness.WithLabelValues(string(projectType)).Observe(elapsed.Seconds())
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || m.swept == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// WorkerStatusChanged counts worker transitions for the lifecycle manager.
func (m *Metrics) WorkerStatusChanged(worker domain.Worker) {
	if m == nil || m.workers == nil {
		return
	}
	m.workers.WithLabelValues(string(worker.Status)).Inc()
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
