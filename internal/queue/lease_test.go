package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/dispatch/internal/models"
)

func TestFetchNext_LeasesOldestQueued(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	first := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})
	clk.Advance(time.Second)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "b.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, first.ID, res.Task.ID)
	assert.Equal(t, "agent-1", res.AgentName)
	assert.Equal(t, models.TaskStatusRunning, res.Task.Status)
	assert.Equal(t, "agent-1", res.Task.AssignedTo)

	now := clk.Now().UTC()
	require.NotNil(t, res.Task.AssignedAt)
	assert.Equal(t, now, *res.Task.AssignedAt)
	require.NotNil(t, res.Task.LeaseExpiresAt)
	assert.Equal(t, now.Add(tt.LeaseDuration), *res.Task.LeaseExpiresAt)

	require.Len(t, res.Task.Attempts, 1)
	assert.Equal(t, 1, res.Task.Attempts[0].Seq)
	assert.Equal(t, models.AttemptRunning, res.Task.Attempts[0].Status)
	assert.Equal(t, "agent-1", res.Task.Attempts[0].AgentName)
}

func TestFetchNext_GeneratesAgentName(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.NotEmpty(t, res.AgentName)
	assert.Equal(t, res.AgentName, res.Task.AssignedTo)
}

func TestFetchNext_DrainedQueue(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, res.Task)
	assert.Equal(t, "agent-1", res.AgentName)
}

func TestFetchNext_ClosedProjectRejected(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)

	closed := models.ProjectStatusClosed
	_, err := eng.UpdateProject(ctx, UpdateProjectInput{ProjectID: p.ID, Status: &closed})
	require.NoError(t, err)

	_, err = eng.FetchNext(ctx, p.ID, "agent-1")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFetchNext_ResumptionReturnsHeldTask(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)

	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})
	clk.Advance(time.Second)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "b.go", "rev": "r1"})

	first, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, first.Task)

	// While the lease is live, the same agent gets the same task back with
	// the original lease untouched.
	clk.Advance(time.Minute)
	again, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, again.Task)
	assert.Equal(t, first.Task.ID, again.Task.ID)
	assert.Equal(t, *first.Task.LeaseExpiresAt, *again.Task.LeaseExpiresAt)
	assert.Len(t, again.Task.Attempts, 1)

	// A different agent gets the next queued task, not the held one.
	other, err := eng.FetchNext(ctx, p.ID, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, other.Task)
	assert.NotEqual(t, first.Task.ID, other.Task.ID)
}

func TestFetchNext_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.Equal(t, task.ID, res.Task.ID)

	// Let the lease lapse; the next fetch (any agent) requeues and
	// immediately re-leases the task, charging one retry.
	clk.Advance(tt.LeaseDuration + time.Second)
	res2, err := eng.FetchNext(ctx, p.ID, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, res2.Task)
	assert.Equal(t, task.ID, res2.Task.ID)
	assert.Equal(t, "agent-2", res2.Task.AssignedTo)
	assert.Equal(t, 1, res2.Task.RetryCount)
	require.Len(t, res2.Task.Attempts, 2)
	assert.Equal(t, models.AttemptExpired, res2.Task.Attempts[0].Status)
	assert.Equal(t, models.AttemptRunning, res2.Task.Attempts[1].Status)
}

func TestComplete_RecordsResultAndClearsLease(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	result := json.RawMessage(`{"ok":true,"lines":120}`)
	done, err := eng.Complete(ctx, res.Task.ID, "agent-1", result)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.JSONEq(t, string(result), string(done.Result))
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, clk.Now().UTC(), *done.CompletedAt)
	assert.Empty(t, done.AssignedTo)
	assert.Nil(t, done.LeaseExpiresAt)

	require.Len(t, done.Attempts, 1)
	assert.Equal(t, models.AttemptCompleted, done.Attempts[0].Status)
	require.NotNil(t, done.Attempts[0].CompletedAt)
}

func TestComplete_WrongAgentRejected(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)

	_, err = eng.Complete(ctx, res.Task.ID, "agent-2", nil)
	assert.ErrorIs(t, err, models.ErrNotAssignedToAgent)

	// The rightful holder still can.
	_, err = eng.Complete(ctx, res.Task.ID, "agent-1", nil)
	assert.NoError(t, err)
}

func TestComplete_QueuedTaskRejected(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	_, err := eng.Complete(ctx, task.ID, "agent-1", nil)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestFail_RequeuesWhileBudgetRemains(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	// MaxRetries 3 allows four attempts in total: the first three failures
	// requeue, the fourth goes terminal.
	for attempt := 1; attempt <= 3; attempt++ {
		res, err := eng.FetchNext(ctx, p.ID, "agent-1")
		require.NoError(t, err)
		require.NotNil(t, res.Task, "attempt %d", attempt)

		failed, err := eng.Fail(ctx, task.ID, "agent-1", nil, true)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusQueued, failed.Status, "attempt %d", attempt)
		assert.Equal(t, attempt, failed.RetryCount)
	}

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, res.Task)

	detail := json.RawMessage(`{"error":"flaky build"}`)
	failed, err := eng.Fail(ctx, task.ID, "agent-1", detail, true)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Equal(t, 4, failed.RetryCount)
	require.NotNil(t, failed.FailedAt)
	assert.JSONEq(t, string(detail), string(failed.Result))
	assert.Len(t, failed.Attempts, 4)

	// Terminal tasks never come back out of the queue.
	res, err = eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, res.Task)
}

func TestFail_NoRetryGoesTerminal(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	_, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)

	failed, err := eng.Fail(ctx, task.ID, "agent-1", nil, false)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.NotNil(t, failed.FailedAt)
}

func TestExtendLease_PushesExpiryOut(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	before := *res.Task.LeaseExpiresAt

	clk.Advance(5 * time.Minute)
	extended, err := eng.ExtendLease(ctx, res.Task.ID, "agent-1", 15*time.Minute)
	require.NoError(t, err)
	// Extension is relative to the current expiry, not to now.
	assert.Equal(t, before.Add(15*time.Minute), *extended.LeaseExpiresAt)
}

func TestExtendLease_Validation(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	_, err := eng.ExtendLease(ctx, task.ID, "agent-1", 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = eng.ExtendLease(ctx, task.ID, "agent-1", -time.Minute)
	assert.ErrorIs(t, err, models.ErrValidation)

	// Queued task holds no lease to extend.
	_, err = eng.ExtendLease(ctx, task.ID, "agent-1", time.Minute)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, res.Task)

	_, err = eng.ExtendLease(ctx, task.ID, "agent-2", time.Minute)
	assert.ErrorIs(t, err, models.ErrNotAssignedToAgent)
}

func TestExtendLease_RescuesLapsedLease(t *testing.T) {
	ctx := context.Background()
	eng, clk := newTestEngine(t)
	p := seedProject(t, eng)
	tt := seedTaskType(t, eng, p.ID)
	task := seedTask(t, eng, p.ID, tt.ID, map[string]string{"file": "a.go", "rev": "r1"})

	res, err := eng.FetchNext(ctx, p.ID, "agent-1")
	require.NoError(t, err)
	lapsed := *res.Task.LeaseExpiresAt

	// The lease has lapsed but nothing reclaimed the task yet, so the
	// holder can still push the expiry out and keep working.
	clk.Advance(tt.LeaseDuration + time.Minute)
	extended, err := eng.ExtendLease(ctx, task.ID, "agent-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, lapsed.Add(time.Hour), *extended.LeaseExpiresAt)
	assert.True(t, extended.LeaseExpiresAt.After(clk.Now()))

	// With the lease live again the task is safe from reclaim.
	res2, err := eng.FetchNext(ctx, p.ID, "agent-2")
	require.NoError(t, err)
	assert.Nil(t, res2.Task)
}
