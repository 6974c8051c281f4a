package filestore

import (
	"context"
	"errors"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	return s.withProject(ctx, t.ProjectID, func(c *container) error {
		if c.findType(t.TypeID) == nil {
			return &models.NotFoundError{Entity: "task_type", Key: t.TypeID}
		}
		// Task IDs may be operator supplied, so uniqueness holds across the
		// whole store, not just this project.
		if c.findTask(t.ID) != nil {
			return &models.AlreadyExistsError{Entity: "task", Key: t.ID}
		}
		if projectID, err := s.locateTask(t.ID); err == nil && projectID != c.Project.ID {
			return &models.AlreadyExistsError{Entity: "task", Key: t.ID}
		} else if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		c.Tasks = append(c.Tasks, t)
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	ids, err := s.projectIDs()
	if err != nil {
		return nil, err
	}
	for _, projectID := range ids {
		c, err := s.loadContainer(projectID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if t := c.findTask(id); t != nil {
			return t, nil
		}
	}
	return nil, &models.NotFoundError{Entity: "task", Key: id}
}

func (s *Store) ListTasks(ctx context.Context, projectID string, filter storage.TaskFilter) ([]*models.Task, error) {
	c, err := s.loadContainer(projectID)
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, task := range c.Tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.TypeID != "" && task.TypeID != filter.TypeID {
			continue
		}
		if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
			continue
		}
		out = append(out, task)
	}
	sortTasks(out)
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	return s.withProject(ctx, t.ProjectID, func(c *container) error {
		for i, existing := range c.Tasks {
			if existing.ID == t.ID {
				c.Tasks[i] = t
				return nil
			}
		}
		return &models.NotFoundError{Entity: "task", Key: t.ID}
	})
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	projectID, err := s.locateTask(id)
	if err != nil {
		return err
	}
	return s.withProject(ctx, projectID, func(c *container) error {
		for i, t := range c.Tasks {
			if t.ID == id {
				c.Tasks = append(c.Tasks[:i], c.Tasks[i+1:]...)
				return nil
			}
		}
		return &models.NotFoundError{Entity: "task", Key: id}
	})
}

func (s *Store) ListExpiredTasks(ctx context.Context, projectID string, now time.Time) ([]*models.Task, error) {
	c, err := s.loadContainer(projectID)
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, task := range c.Tasks {
		if task.LeaseExpired(now) {
			out = append(out, task)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*models.Task, error) {
	c, err := s.loadContainer(projectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var match *models.Task
	for _, task := range c.Tasks {
		if task.TypeID != typeID || task.Status == models.TaskStatusFailed {
			continue
		}
		if !models.VariablesEqual(task.Variables, variables) {
			continue
		}
		if match == nil || taskBefore(task, match) {
			match = task
		}
	}
	return match, nil
}
