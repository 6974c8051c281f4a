package storage

import (
	"encoding/json"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
)

// Task state transitions shared by the backends that mutate in-memory
// records (memstore, filestore). The sqlite backend expresses the same
// transitions in SQL; the storagetest suite keeps all three aligned.

// Assign marks a queued task running under agentName with a lease starting
// at now, and appends the new attempt.
func Assign(task *models.Task, agentName string, now time.Time, lease time.Duration) {
	expires := now.Add(lease)
	task.Status = models.TaskStatusRunning
	task.AssignedTo = agentName
	task.AssignedAt = &now
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = now
	task.Attempts = append(task.Attempts, models.TaskAttempt{
		Seq:       len(task.Attempts) + 1,
		AgentName: agentName,
		Status:    models.AttemptRunning,
		StartedAt: now,
	})
}

// CloseOpenAttempt closes the task's open attempt, if one exists.
func CloseOpenAttempt(task *models.Task, status models.AttemptStatus, result json.RawMessage, now time.Time) {
	for i := len(task.Attempts) - 1; i >= 0; i-- {
		if task.Attempts[i].Status == models.AttemptRunning {
			task.Attempts[i].Status = status
			task.Attempts[i].Result = result
			completed := now
			task.Attempts[i].CompletedAt = &completed
			return
		}
	}
}

// ApplyComplete transitions a running task to completed. The caller has
// already verified the running-and-owned precondition.
func ApplyComplete(task *models.Task, result json.RawMessage, now time.Time) {
	CloseOpenAttempt(task, models.AttemptCompleted, result, now)
	completed := now
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &completed
	task.Result = result
	clearLease(task, now)
}

// ApplyFail records a failed attempt: requeue with an incremented retry
// count while budget remains and canRetry is set, terminal failure
// otherwise. The terminal retry count equals the attempt count.
func ApplyFail(task *models.Task, result json.RawMessage, canRetry bool, now time.Time) {
	CloseOpenAttempt(task, models.AttemptFailed, result, now)
	task.RetryCount++
	clearLease(task, now)
	if canRetry && task.RetryCount <= task.MaxRetries {
		task.Status = models.TaskStatusQueued
	} else {
		failed := now
		task.Status = models.TaskStatusFailed
		task.FailedAt = &failed
		task.Result = result
	}
}

// Reap applies the requeue-or-fail transition to a running task whose lease
// expired. Used by the reaper and by fetch when it reclaims, so both paths
// charge the retry budget identically.
func Reap(task *models.Task, now time.Time) {
	result := models.LeaseExpiredResult()
	CloseOpenAttempt(task, models.AttemptExpired, result, now)
	task.RetryCount++
	clearLease(task, now)
	if task.RetryCount <= task.MaxRetries {
		task.Status = models.TaskStatusQueued
	} else {
		failed := now
		task.Status = models.TaskStatusFailed
		task.FailedAt = &failed
		task.Result = result
	}
}

func clearLease(task *models.Task, now time.Time) {
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.LeaseExpiresAt = nil
	task.UpdatedAt = now
}
