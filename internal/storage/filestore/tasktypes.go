package filestore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/dotcommander/dispatch/internal/models"
)

func (s *Store) CreateTaskType(ctx context.Context, tt *models.TaskType) error {
	return s.withProject(ctx, tt.ProjectID, func(c *container) error {
		if c.findType(tt.ID) != nil {
			return &models.AlreadyExistsError{Entity: "task_type", Key: tt.ID}
		}
		if c.findTypeByName(tt.Name) != nil {
			return &models.AlreadyExistsError{Entity: "task_type", Key: tt.Name}
		}
		c.Types = append(c.Types, tt)
		return nil
	})
}

func (s *Store) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
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
		if tt := c.findType(id); tt != nil {
			return tt, nil
		}
	}
	return nil, &models.NotFoundError{Entity: "task_type", Key: id}
}

func (s *Store) GetTaskTypeByName(ctx context.Context, projectID, name string) (*models.TaskType, error) {
	c, err := s.loadContainer(projectID)
	if err != nil {
		return nil, err
	}
	if tt := c.findTypeByName(name); tt != nil {
		return tt, nil
	}
	return nil, &models.NotFoundError{Entity: "task_type", Key: name}
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	c, err := s.loadContainer(projectID)
	if err != nil {
		return nil, err
	}
	out := append([]*models.TaskType(nil), c.Types...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateTaskType(ctx context.Context, tt *models.TaskType) error {
	return s.withProject(ctx, tt.ProjectID, func(c *container) error {
		for _, other := range c.Types {
			if other.ID != tt.ID && strings.EqualFold(other.Name, tt.Name) {
				return &models.AlreadyExistsError{Entity: "task_type", Key: tt.Name}
			}
		}
		for i, existing := range c.Types {
			if existing.ID == tt.ID {
				c.Types[i] = tt
				return nil
			}
		}
		return &models.NotFoundError{Entity: "task_type", Key: tt.ID}
	})
}

func (s *Store) DeleteTaskType(ctx context.Context, id string) error {
	projectID, err := s.locateType(id)
	if err != nil {
		return err
	}
	return s.withProject(ctx, projectID, func(c *container) error {
		for _, t := range c.Tasks {
			if t.TypeID == id {
				return &models.ValidationError{Field: "task_type", Reason: "tasks still reference this type"}
			}
		}
		for i, tt := range c.Types {
			if tt.ID == id {
				c.Types = append(c.Types[:i], c.Types[i+1:]...)
				return nil
			}
		}
		return &models.NotFoundError{Entity: "task_type", Key: id}
	})
}
