package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusHelpers(t *testing.T) {
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.False(t, TaskStatusQueued.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())

	for _, s := range []TaskStatus{TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed} {
		assert.True(t, s.Valid(), "status %s should be valid", s)
	}
	assert.False(t, TaskStatus("paused").Valid())
	assert.False(t, TaskStatus("").Valid())
}

func TestDuplicatePolicyValid(t *testing.T) {
	assert.True(t, DuplicateAllow.Valid())
	assert.True(t, DuplicateIgnore.Valid())
	assert.True(t, DuplicateFail.Valid())
	assert.False(t, DuplicatePolicy("reject").Valid())
}

func TestTaskLeaseHelpers(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Minute)
	past := now.Add(-time.Second)

	task := &Task{Status: TaskStatusRunning, LeaseExpiresAt: &future}
	assert.True(t, task.IsLeased(now))
	assert.False(t, task.LeaseExpired(now))

	task.LeaseExpiresAt = &past
	assert.False(t, task.IsLeased(now))
	assert.True(t, task.LeaseExpired(now))

	// Queued tasks never count as leased even with a stale lease column.
	task.Status = TaskStatusQueued
	assert.False(t, task.IsLeased(now))
	assert.False(t, task.LeaseExpired(now))

	task = &Task{Status: TaskStatusRunning}
	assert.False(t, task.IsLeased(now))
	assert.False(t, task.LeaseExpired(now))
}

func TestTaskCurrentAttempt(t *testing.T) {
	task := &Task{}
	assert.Nil(t, task.CurrentAttempt())

	task.Attempts = []TaskAttempt{
		{Seq: 1, AgentName: "agent-a", Status: AttemptExpired},
		{Seq: 2, AgentName: "agent-b", Status: AttemptRunning},
	}
	cur := task.CurrentAttempt()
	require.NotNil(t, cur)
	assert.Equal(t, 2, cur.Seq)
	assert.Equal(t, "agent-b", cur.AgentName)
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := &Session{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, sess.Expired(now))
	assert.True(t, sess.Expired(now.Add(time.Hour)))
	assert.True(t, sess.Expired(now.Add(2*time.Hour)))
}

func TestCanonicalVariables(t *testing.T) {
	assert.Equal(t, "{}", CanonicalVariables(nil))
	assert.Equal(t, "{}", CanonicalVariables(map[string]string{}))

	a := map[string]string{"zone": "us-east", "branch": "main"}
	b := map[string]string{"branch": "main", "zone": "us-east"}
	assert.Equal(t, `{"branch":"main","zone":"us-east"}`, CanonicalVariables(a))
	assert.Equal(t, CanonicalVariables(a), CanonicalVariables(b))
}

func TestVariablesEqual(t *testing.T) {
	assert.True(t, VariablesEqual(nil, map[string]string{}))
	assert.True(t, VariablesEqual(
		map[string]string{"a": "1", "b": "2"},
		map[string]string{"b": "2", "a": "1"},
	))
	assert.False(t, VariablesEqual(
		map[string]string{"a": "1"},
		map[string]string{"a": "2"},
	))
	assert.False(t, VariablesEqual(
		map[string]string{"a": "1"},
		map[string]string{"a": "1", "b": "2"},
	))
}
