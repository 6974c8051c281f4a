package filestore

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"

	"github.com/dotcommander/dispatch/internal/models"
)

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	return s.withRoot(ctx, func() error {
		if _, err := os.Stat(s.projectPath(p.ID)); err == nil {
			return &models.AlreadyExistsError{Entity: "project", Key: p.ID}
		}
		taken, err := s.nameTaken(p.Name, "")
		if err != nil {
			return err
		}
		if taken {
			return &models.AlreadyExistsError{Entity: "project", Key: p.Name}
		}
		return s.saveContainer(&container{Project: p})
	})
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	c, err := s.loadContainer(id)
	if err != nil {
		return nil, err
	}
	return c.Project, nil
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	ids, err := s.projectIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c, err := s.loadContainer(id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if strings.EqualFold(c.Project.Name, name) {
			return c.Project, nil
		}
	}
	return nil, &models.NotFoundError{Entity: "project", Key: name}
}

func (s *Store) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	ids, err := s.projectIDs()
	if err != nil {
		return nil, err
	}
	var out []*models.Project
	for _, id := range ids {
		c, err := s.loadContainer(id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !includeClosed && c.Project.IsClosed() {
			continue
		}
		out = append(out, c.Project)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	return s.withRoot(ctx, func() error {
		taken, err := s.nameTaken(p.Name, p.ID)
		if err != nil {
			return err
		}
		if taken {
			return &models.AlreadyExistsError{Entity: "project", Key: p.Name}
		}
		return s.withProject(ctx, p.ID, func(c *container) error {
			c.Project = p
			return nil
		})
	})
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withRoot(ctx, func() error {
		release, err := s.acquireLock(ctx, id, s.projectPath(id), id)
		if err != nil {
			return err
		}
		defer release()

		path := s.projectPath(id)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return &models.NotFoundError{Entity: "project", Key: id}
			}
			return err
		}
		// Types and tasks live inside the container, so removing the file
		// is the cascade. Sessions are stored separately and survive.
		return os.Remove(path)
	})
}

func (s *Store) ProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error) {
	c, err := s.loadContainer(projectID)
	if err != nil {
		return nil, err
	}
	stats := &models.ProjectStats{Total: len(c.Tasks)}
	for _, t := range c.Tasks {
		switch t.Status {
		case models.TaskStatusQueued:
			stats.Queued++
		case models.TaskStatusRunning:
			stats.Running++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// nameTaken reports whether any project other than excludeID already uses
// the name, ignoring case.
func (s *Store) nameTaken(name, excludeID string) (bool, error) {
	ids, err := s.projectIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		c, err := s.loadContainer(id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return false, err
		}
		if strings.EqualFold(c.Project.Name, name) {
			return true, nil
		}
	}
	return false, nil
}
