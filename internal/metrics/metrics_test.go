package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.IncTaskEvent(EventCreated)
	m.IncTaskEvent(EventCreated)
	m.IncTaskEvent(EventCompleted)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskEvents.WithLabelValues(EventCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskEvents.WithLabelValues(EventCompleted)))

	m.IncActiveLeases()
	m.IncActiveLeases()
	m.DecActiveLeases()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeLeases))

	m.ObserveSweep(50 * time.Millisecond)
	m.AddReclaimed(3)
	m.AddCleanedAgents(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reclaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentsCleaned))

	m.IncSessionEvent(SessionCreated)
	m.AddSessionEvents(SessionExpired, 4)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEvents.WithLabelValues(SessionCreated)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessionEvents.WithLabelValues(SessionExpired)))

	// Negative and zero adds are dropped rather than corrupting counters.
	m.AddReclaimed(0)
	m.AddReclaimed(-2)
	m.AddSessionEvents(SessionExpired, -1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reclaimed))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessionEvents.WithLabelValues(SessionExpired)))
}

func TestNilSafety(t *testing.T) {
	var m *Metrics
	m.IncTaskEvent(EventFailed)
	m.ObserveFetch(FetchError, time.Second)
	m.IncActiveLeases()
	m.DecActiveLeases()
	m.ObserveSweep(time.Second)
	m.AddReclaimed(1)
	m.AddCleanedAgents(1)
	m.IncSessionEvent(SessionDeleted)
	m.AddSessionEvents(SessionExpired, 2)
}

func TestReregistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.IncTaskEvent(EventReclaimed)
	second.IncTaskEvent(EventReclaimed)
	require.Equal(t, 2.0, testutil.ToFloat64(first.taskEvents.WithLabelValues(EventReclaimed)))
}
