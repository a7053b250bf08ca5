package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "morbidostat"

// Recorder collects the engine's operational metrics. A nil *Recorder is
// valid and records nothing, so components can take one optionally.
type Recorder struct {
	lockWait     *prometheus.HistogramVec
	lockTimeouts *prometheus.CounterVec

	taskDuration *prometheus.HistogramVec
	taskDropped  *prometheus.CounterVec
	taskFailed   *prometheus.CounterVec

	dilutions *prometheus.CounterVec

	od            *prometheus.GaugeVec
	growthRate    *prometheus.GaugeVec
	concentration *prometheus.GaugeVec
	generation    *prometheus.GaugeVec
}

// NewRecorder registers all collectors against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		lockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a lock.",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"lock"}),
		lockTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Lock acquisitions that gave up after their timeout.",
		}, []string{"lock"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of tasks executed by a worker.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"worker"}),
		taskDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Tasks coalesced away because the queue slot was occupied.",
		}, []string{"worker"}),
		taskFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Tasks that returned an error or panicked.",
		}, []string{"worker"}),
		dilutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dilutions_total",
			Help:      "Committed dilutions by vial and policy action.",
		}, []string{"vial", "action"}),
		od: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "culture_od",
			Help:      "Last measured optical density.",
		}, []string{"vial"}),
		growthRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "culture_growth_rate",
			Help:      "Last growth rate estimate per hour.",
		}, []string{"vial"}),
		concentration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "culture_drug_concentration",
			Help:      "Drug concentration after the last dilution.",
		}, []string{"vial"}),
		generation: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "culture_generation",
			Help:      "Cumulative generations.",
		}, []string{"vial"}),
	}
}

func (r *Recorder) LockWait(lock string, d time.Duration) {
	if r == nil {
		return
	}
	r.lockWait.WithLabelValues(lock).Observe(d.Seconds())
}

func (r *Recorder) LockTimeout(lock string) {
	if r == nil {
		return
	}
	r.lockTimeouts.WithLabelValues(lock).Inc()
}

// TaskDone records one executed task; failed covers both errors and panics.
func (r *Recorder) TaskDone(worker string, d time.Duration, failed bool) {
	if r == nil {
		return
	}
	r.taskDuration.WithLabelValues(worker).Observe(d.Seconds())
	if failed {
		r.taskFailed.WithLabelValues(worker).Inc()
	}
}

func (r *Recorder) TaskDropped(worker string) {
	if r == nil {
		return
	}
	r.taskDropped.WithLabelValues(worker).Inc()
}

func (r *Recorder) Dilution(vial int, action string) {
	if r == nil {
		return
	}
	r.dilutions.WithLabelValues(strconv.Itoa(vial), action).Inc()
}

func (r *Recorder) OD(vial int, v float64) {
	if r == nil {
		return
	}
	r.od.WithLabelValues(strconv.Itoa(vial)).Set(v)
}

func (r *Recorder) GrowthRate(vial int, v float64) {
	if r == nil {
		return
	}
	r.growthRate.WithLabelValues(strconv.Itoa(vial)).Set(v)
}

// Culture updates the dose and generation gauges after a dilution.
func (r *Recorder) Culture(vial int, concentration, generation float64) {
	if r == nil {
		return
	}
	v := strconv.Itoa(vial)
	r.concentration.WithLabelValues(v).Set(concentration)
	r.generation.WithLabelValues(v).Set(generation)
}
