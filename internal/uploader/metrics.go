package uploader

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"feed-media/internal/domain"
)

// Metrics exposes Prometheus collectors that report upload activity.
type Metrics struct {
	outcomes   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	failovers  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
}

// MustNewMetrics registers the upload collectors with reg. Collectors that are
// already registered are reused, so several managers can share one registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		outcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed_media",
			Subsystem: "uploads",
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal state, by source and outcome.",
		}, []string{"source", "outcome"})),
		rejections: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed_media",
			Subsystem: "uploads",
			Name:      "rejections_total",
			Help:      "Candidates excluded at admission, by reason.",
		}, []string{"reason"})),
		bytes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed_media",
			Subsystem: "uploads",
			Name:      "bytes_total",
			Help:      "Bytes of completed uploads, by source.",
		}, []string{"source"})),
		failovers: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed_media",
			Subsystem: "uploads",
			Name:      "failovers_total",
			Help:      "Primary path failures that switched to the fallback store, by failed step.",
		}, []string{"step"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feed_media",
			Subsystem: "uploads",
			Name:      "pipeline_duration_seconds",
			Help:      "Time from pipeline start to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"})),
		inFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feed_media",
			Subsystem: "uploads",
			Name:      "pipelines_in_flight",
			Help:      "Pipelines currently running.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeTerminal(task *domain.UploadTask, started time.Time) {
	if m == nil {
		return
	}
	outcome := string(task.State)
	source := string(task.Source)
	if source == "" {
		source = "none"
	}
	if task.State == domain.TaskStateFailed {
		outcome = domain.ErrorKind(task.Err)
	} else if task.Result != nil && task.Result.Degraded {
		outcome = "complete_degraded"
	}
	m.outcomes.WithLabelValues(source, outcome).Inc()
	m.duration.WithLabelValues(string(task.State)).Observe(time.Since(started).Seconds())
	if task.State == domain.TaskStateComplete {
		m.bytes.WithLabelValues(source).Add(float64(task.File.Size))
	}
}

func (m *Metrics) observeRejection(err error) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(domain.ErrorKind(err)).Inc()
}

func (m *Metrics) observeFailover(step domain.TaskState) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(string(step)).Inc()
}

func (m *Metrics) pipelineStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) pipelineFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
