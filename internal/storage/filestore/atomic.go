package filestore

import (
	"context"
	"errors"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// The atomic primitives get their indivisibility from withProject: the
// container is read, transitioned in memory, and written back while both the
// in-process and on-disk locks are held.

func (s *Store) FetchNextTask(ctx context.Context, in storage.FetchInput) (*models.Task, error) {
	var fetched *models.Task
	err := s.withProject(ctx, in.ProjectID, func(c *container) error {
		// Resumption: an agent that already holds a live lease gets its own
		// task back instead of a second one.
		if in.AgentName != "" {
			for _, task := range c.sortedTasks() {
				if task.IsLeased(in.Now) && task.AssignedTo == in.AgentName {
					fetched = task
					return nil
				}
			}
		}

		// Expired leases are reclaimed through the same requeue-or-fail
		// transition the reaper uses, so the retry bound applies no matter
		// which path gets there first.
		for _, task := range c.Tasks {
			if task.LeaseExpired(in.Now) {
				storage.Reap(task, in.Now)
			}
		}

		for _, task := range c.sortedTasks() {
			if task.Status != models.TaskStatusQueued || task.RetryCount > task.MaxRetries {
				continue
			}
			lease := in.DefaultLease
			if tt := c.findType(task.TypeID); tt != nil && tt.LeaseDuration > 0 {
				lease = tt.LeaseDuration
			}
			storage.Assign(task, in.AgentName, in.Now, lease)
			fetched = task
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

func (s *Store) CompleteTask(ctx context.Context, in storage.CompleteInput) (*models.Task, error) {
	var out *models.Task
	err := s.withAssignedTask(ctx, in.TaskID, in.AgentName, func(task *models.Task) error {
		storage.ApplyComplete(task, in.Result, in.Now)
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FailTask(ctx context.Context, in storage.FailInput) (*models.Task, error) {
	var out *models.Task
	err := s.withAssignedTask(ctx, in.TaskID, in.AgentName, func(task *models.Task) error {
		storage.ApplyFail(task, in.Result, in.CanRetry, in.Now)
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ExtendLease(ctx context.Context, in storage.ExtendInput) (*models.Task, error) {
	var out *models.Task
	err := s.withAssignedTask(ctx, in.TaskID, in.AgentName, func(task *models.Task) error {
		if task.LeaseExpiresAt != nil {
			extended := task.LeaseExpiresAt.Add(in.Additional)
			task.LeaseExpiresAt = &extended
			task.UpdatedAt = in.Now
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReapTask(ctx context.Context, in storage.ReapInput) (*models.Task, error) {
	projectID, err := s.locateTask(in.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var reaped *models.Task
	err = s.withProject(ctx, projectID, func(c *container) error {
		task := c.findTask(in.TaskID)
		if task == nil || !task.LeaseExpired(in.Now) {
			return nil
		}
		storage.Reap(task, in.Now)
		reaped = task
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return reaped, nil
}

// withAssignedTask locates the task's project, enters its critical section,
// and hands fn the task after the running-and-owned preconditions pass.
func (s *Store) withAssignedTask(ctx context.Context, taskID, agentName string, fn func(task *models.Task) error) error {
	projectID, err := s.locateTask(taskID)
	if err != nil {
		return err
	}
	return s.withProject(ctx, projectID, func(c *container) error {
		task := c.findTask(taskID)
		if task == nil {
			return &models.NotFoundError{Entity: "task", Key: taskID}
		}
		if task.Status != models.TaskStatusRunning {
			return &models.InvalidStateError{TaskID: taskID, Expected: models.TaskStatusRunning, Actual: task.Status}
		}
		if task.AssignedTo != agentName {
			return &models.NotAssignedError{TaskID: taskID, AgentName: agentName, AssignedTo: task.AssignedTo}
		}
		return fn(task)
	})
}
