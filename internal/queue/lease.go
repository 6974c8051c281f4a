package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dotcommander/dispatch/internal/metrics"
	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// FetchResult is what fetch_next hands an agent: the task (nil when the
// queue is drained) and the agent name used, generated when the caller
// supplied none.
type FetchResult struct {
	Task      *models.Task `json:"task"`
	AgentName string       `json:"agent_name"`
}

// FetchNext leases the oldest eligible task in the project to the agent.
// A blank agentName gets a generated one. If the agent already holds a live
// lease in the project, its current task comes back unchanged.
func (e *Engine) FetchNext(ctx context.Context, projectID, agentName string) (*FetchResult, error) {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.IsClosed() {
		return nil, &models.ValidationError{Field: "project", Reason: "project is closed"}
	}
	if agentName == "" {
		agentName = storage.NewAgentName()
	}

	start := e.clk.Now()
	var (
		task     *models.Task
		fetchNow time.Time
	)
	err = e.retryTransient(ctx, func() error {
		fetchNow = e.now()
		var ferr error
		task, ferr = e.store.FetchNextTask(ctx, storage.FetchInput{
			ProjectID:    p.ID,
			AgentName:    agentName,
			Now:          fetchNow,
			DefaultLease: p.DefaultLease,
		})
		return ferr
	})
	elapsed := e.clk.Now().Sub(start)
	if err != nil {
		e.met.ObserveFetch(metrics.FetchError, elapsed)
		return nil, err
	}
	if task == nil {
		e.met.ObserveFetch(metrics.FetchEmpty, elapsed)
		return &FetchResult{AgentName: agentName}, nil
	}
	e.met.ObserveFetch(metrics.FetchHit, elapsed)

	// A fresh assignment stamps AssignedAt with the fetch instant; a
	// resumption keeps the original one.
	if task.AssignedAt != nil && task.AssignedAt.Equal(fetchNow) {
		e.met.IncActiveLeases()
		e.log.Info("task leased",
			"task_id", task.ID, "project_id", p.ID,
			"agent", agentName, "attempt", len(task.Attempts))
	} else {
		e.log.Info("task resumed", "task_id", task.ID, "project_id", p.ID, "agent", agentName)
	}
	return &FetchResult{Task: task, AgentName: agentName}, nil
}

// Complete finishes the agent's running task and records its result.
func (e *Engine) Complete(ctx context.Context, taskID, agentName string, result json.RawMessage) (*models.Task, error) {
	var task *models.Task
	err := e.retryTransient(ctx, func() error {
		var terr error
		task, terr = e.store.CompleteTask(ctx, storage.CompleteInput{
			TaskID:    taskID,
			AgentName: agentName,
			Result:    result,
			Now:       e.now(),
		})
		return terr
	})
	if err != nil {
		return nil, err
	}
	e.met.IncTaskEvent(metrics.EventCompleted)
	e.met.DecActiveLeases()
	e.log.Info("task completed", "task_id", taskID, "agent", agentName)
	return task, nil
}

// Fail records a failed attempt. With canRetry and budget remaining the task
// requeues; otherwise it goes terminal.
func (e *Engine) Fail(ctx context.Context, taskID, agentName string, result json.RawMessage, canRetry bool) (*models.Task, error) {
	var task *models.Task
	err := e.retryTransient(ctx, func() error {
		var terr error
		task, terr = e.store.FailTask(ctx, storage.FailInput{
			TaskID:    taskID,
			AgentName: agentName,
			Result:    result,
			CanRetry:  canRetry,
			Now:       e.now(),
		})
		return terr
	})
	if err != nil {
		return nil, err
	}
	e.met.DecActiveLeases()
	if task.Status == models.TaskStatusQueued {
		e.met.IncTaskEvent(metrics.EventRequeued)
		e.log.Info("task requeued after failure",
			"task_id", taskID, "agent", agentName, "retry_count", task.RetryCount)
	} else {
		e.met.IncTaskEvent(metrics.EventFailed)
		e.log.Warn("task failed terminally",
			"task_id", taskID, "agent", agentName, "retry_count", task.RetryCount)
	}
	return task, nil
}

// ExtendLease pushes the agent's lease out by additional.
func (e *Engine) ExtendLease(ctx context.Context, taskID, agentName string, additional time.Duration) (*models.Task, error) {
	if additional <= 0 {
		return nil, &models.ValidationError{Field: "additional", Reason: "must be positive"}
	}
	var task *models.Task
	err := e.retryTransient(ctx, func() error {
		var terr error
		task, terr = e.store.ExtendLease(ctx, storage.ExtendInput{
			TaskID:     taskID,
			AgentName:  agentName,
			Additional: additional,
			Now:        e.now(),
		})
		return terr
	})
	if err != nil {
		return nil, err
	}
	e.met.IncTaskEvent(metrics.EventLeaseExtended)
	e.log.Info("lease extended", "task_id", taskID, "agent", agentName, "additional", additional)
	return task, nil
}
