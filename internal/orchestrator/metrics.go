package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting cycle activity.
type Metrics struct {
	phaseDuration *prometheus.HistogramVec
	cycleTasks    *prometheus.CounterVec
	activeCycles  prometheus.Gauge
	judgeTimeouts prometheus.Counter
	queueDepth    prometheus.Gauge
}

// MustNewMetrics constructs a Metrics instance on the given registerer.
// Registration conflicts from repeated construction (tests, multiple
// controllers) reuse the existing collectors; any other registration
// error panics, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	phaseDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "colony",
			Subsystem: "cycle",
			Name:      "phase_duration_seconds",
			Help:      "Duration spent in each cycle phase.",
			Buckets:   prometheus.ExponentialBuckets(1, 3, 10),
		},
		[]string{"phase"},
	)
	cycleTasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "colony",
			Subsystem: "cycle",
			Name:      "tasks_total",
			Help:      "Tasks finishing a cycle, labeled by final status.",
		},
		[]string{"status"},
	)
	activeCycles := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "colony",
			Subsystem: "cycle",
			Name:      "active",
			Help:      "Whether a cycle is currently open.",
		},
	)
	judgeTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "colony",
			Subsystem: "cycle",
			Name:      "judge_timeouts_total",
			Help:      "Cycles closed with a synthetic verdict because the judge timed out.",
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "colony",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of pending tasks.",
		},
	)

	collectors := []prometheus.Collector{phaseDuration, cycleTasks, activeCycles, judgeTimeouts, queueDepth}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case phaseDuration:
					phaseDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case cycleTasks:
					cycleTasks = already.ExistingCollector.(*prometheus.CounterVec)
				case activeCycles:
					activeCycles = already.ExistingCollector.(prometheus.Gauge)
				case judgeTimeouts:
					judgeTimeouts = already.ExistingCollector.(prometheus.Counter)
				case queueDepth:
					queueDepth = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		phaseDuration: phaseDuration,
		cycleTasks:    cycleTasks,
		activeCycles:  activeCycles,
		judgeTimeouts: judgeTimeouts,
		queueDepth:    queueDepth,
	}
}

// ObservePhaseDuration records time spent in a cycle phase.
func (m *Metrics) ObservePhaseDuration(phase string, d time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// AddCycleTasks counts tasks finishing a cycle with the given status.
func (m *Metrics) AddCycleTasks(status string, n int) {
	if m == nil || m.cycleTasks == nil {
		return
	}
	m.cycleTasks.WithLabelValues(status).Add(float64(n))
}

// SetCycleActive flips the active-cycle gauge.
func (m *Metrics) SetCycleActive(active bool) {
	if m == nil || m.activeCycles == nil {
		return
	}
	if active {
		m.activeCycles.Set(1)
		return
	}
	m.activeCycles.Set(0)
}

// IncJudgeTimeout counts a synthetic judge-timeout verdict.
func (m *Metrics) IncJudgeTimeout() {
	if m == nil || m.judgeTimeouts == nil {
		return
	}
	m.judgeTimeouts.Inc()
}

// SetQueueDepth records the current pending-task count.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
