// Package metrics exposes Prometheus collectors for broker activity. The
// queue engine and the reaper record through a shared Metrics instance;
// everything is nil-safe so wiring metrics stays optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task event labels recorded against the task_events_total counter.
const (
	EventCreated       = "created"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventRequeued      = "requeued"
	EventReclaimed     = "reclaimed"
	EventLeaseExtended = "lease_extended"
)

// Fetch outcome labels recorded against the fetch histogram.
const (
	FetchHit   = "hit"
	FetchEmpty = "empty"
	FetchError = "error"
)

// Session event labels recorded against the session_events_total counter.
const (
	SessionCreated   = "created"
	SessionResumed   = "resumed"
	SessionRefreshed = "refreshed"
	SessionDeleted   = "deleted"
	SessionExpired   = "expired"
)

// Metrics bundles the broker's collectors.
type Metrics struct {
	taskEvents    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	activeLeases  prometheus.Gauge
	sweeps        prometheus.Counter
	sweepDuration prometheus.Histogram
	reclaimed     prometheus.Counter
	agentsCleaned prometheus.Counter
	sessionEvents *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance on the given registerer.
// Callers own the registry; tests pass a fresh one. Registration errors
// other than AlreadyRegisteredError panic, matching promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	taskEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "queue",
			Name:      "task_events_total",
			Help:      "Task lifecycle events by kind.",
		},
		[]string{"event"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "queue",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of the fetch-and-lease primitive by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	activeLeases := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatch",
			Subsystem: "queue",
			Name:      "active_leases",
			Help:      "Tasks currently running under a lease.",
		},
	)
	sweeps := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Completed reaper sweeps.",
		},
	)
	sweepDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full reaper sweep across projects.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	reclaimed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "reaper",
			Name:      "reclaimed_tasks_total",
			Help:      "Expired tasks put through the requeue-or-fail transition.",
		},
	)
	agentsCleaned := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "reaper",
			Name:      "cleaned_agents_total",
			Help:      "Agents left with no running task after a sweep reclaimed their work.",
		},
	)
	sessionEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "session",
			Name:      "session_events_total",
			Help:      "Session lifecycle events by kind.",
		},
		[]string{"event"},
	)

	collectors := []prometheus.Collector{
		taskEvents, fetchDuration, activeLeases, sweeps, sweepDuration, reclaimed, agentsCleaned,
		sessionEvents,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case taskEvents:
				taskEvents = already.ExistingCollector.(*prometheus.CounterVec)
			case fetchDuration:
				fetchDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case activeLeases:
				activeLeases = already.ExistingCollector.(prometheus.Gauge)
			case sweeps:
				sweeps = already.ExistingCollector.(prometheus.Counter)
			case sweepDuration:
				sweepDuration = already.ExistingCollector.(prometheus.Histogram)
			case reclaimed:
				reclaimed = already.ExistingCollector.(prometheus.Counter)
			case agentsCleaned:
				agentsCleaned = already.ExistingCollector.(prometheus.Counter)
			case sessionEvents:
				sessionEvents = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}

	return &Metrics{
		taskEvents:    taskEvents,
		fetchDuration: fetchDuration,
		activeLeases:  activeLeases,
		sweeps:        sweeps,
		sweepDuration: sweepDuration,
		reclaimed:     reclaimed,
		agentsCleaned: agentsCleaned,
		sessionEvents: sessionEvents,
	}
}

// IncTaskEvent counts one lifecycle event.
func (m *Metrics) IncTaskEvent(event string) {
	if m == nil || m.taskEvents == nil {
		return
	}
	m.taskEvents.WithLabelValues(event).Inc()
}

// ObserveFetch records one fetch-and-lease call.
func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil || m.fetchDuration == nil {
		return
	}
	m.fetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncActiveLeases marks a lease as granted.
func (m *Metrics) IncActiveLeases() {
	if m == nil || m.activeLeases == nil {
		return
	}
	m.activeLeases.Inc()
}

// DecActiveLeases marks a lease as released, however it ended.
func (m *Metrics) DecActiveLeases() {
	if m == nil || m.activeLeases == nil {
		return
	}
	m.activeLeases.Dec()
}

// SetActiveLeases reconciles the gauge against a counted truth. The reaper
// calls this each sweep, which corrects drift from leases that expire
// without an explicit release.
func (m *Metrics) SetActiveLeases(n int) {
	if m == nil || m.activeLeases == nil {
		return
	}
	m.activeLeases.Set(float64(n))
}

// ObserveSweep records one completed reaper sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	if m.sweeps != nil {
		m.sweeps.Inc()
	}
	if m.sweepDuration != nil {
		m.sweepDuration.Observe(d.Seconds())
	}
}

// AddReclaimed counts tasks reclaimed by a sweep.
func (m *Metrics) AddReclaimed(n int) {
	if m == nil || m.reclaimed == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

// AddCleanedAgents counts agents whose last running task a sweep reclaimed.
func (m *Metrics) AddCleanedAgents(n int) {
	if m == nil || m.agentsCleaned == nil || n <= 0 {
		return
	}
	m.agentsCleaned.Add(float64(n))
}

// IncSessionEvent counts one session lifecycle event.
func (m *Metrics) IncSessionEvent(event string) {
	if m == nil || m.sessionEvents == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

// AddSessionEvents counts n session lifecycle events of the same kind. The
// cleanup pass uses this to record the batch of sessions it removed.
func (m *Metrics) AddSessionEvents(event string, n int) {
	if m == nil || m.sessionEvents == nil || n <= 0 {
		return
	}
	m.sessionEvents.WithLabelValues(event).Add(float64(n))
}
