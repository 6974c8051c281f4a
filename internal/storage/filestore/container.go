package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dotcommander/dispatch/internal/models"
)

// rootLockKey serializes operations that touch the project namespace as a
// whole (create, delete, rename). Generated project IDs carry a prefix, so
// the key cannot collide with a container key.
const rootLockKey = "projects"

func (s *Store) loadContainer(projectID string) (*container, error) {
	raw, err := os.ReadFile(s.projectPath(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &models.NotFoundError{Entity: "project", Key: projectID}
		}
		return nil, fmt.Errorf("read project container: %w", err)
	}
	var doc containerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode project container %s: %w", projectID, err)
	}
	if doc.SchemaVersion > containerSchemaVersion {
		return nil, fmt.Errorf("project container %s: schema version %d is newer than this binary supports (%d)",
			projectID, doc.SchemaVersion, containerSchemaVersion)
	}
	return decodeContainer(doc)
}

func (s *Store) saveContainer(c *container) error {
	data, err := json.MarshalIndent(encodeContainer(c), "", "  ")
	if err != nil {
		return fmt.Errorf("encode project container %s: %w", c.Project.ID, err)
	}
	data = append(data, '\n')
	return atomicWriteFile(s.projectPath(c.Project.ID), data)
}

// withProject is the mutation critical section for one container: both locks
// held, container loaded fresh from disk, saved back when fn succeeds.
func (s *Store) withProject(ctx context.Context, projectID string, fn func(c *container) error) error {
	release, err := s.acquireLock(ctx, projectID, s.projectPath(projectID), projectID)
	if err != nil {
		return err
	}
	defer release()

	c, err := s.loadContainer(projectID)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return s.saveContainer(c)
}

// withRoot holds the namespace lock. Lock order is always root before
// project, never the reverse.
func (s *Store) withRoot(ctx context.Context, fn func() error) error {
	release, err := s.acquireLock(ctx, rootLockKey, filepath.Join(s.root, "projects"), "")
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// locateTask resolves which project's container holds the task. Callers that
// mutate must re-find the task after taking the project lock.
func (s *Store) locateTask(taskID string) (string, error) {
	ids, err := s.projectIDs()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		c, err := s.loadContainer(id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return "", err
		}
		if c.findTask(taskID) != nil {
			return id, nil
		}
	}
	return "", &models.NotFoundError{Entity: "task", Key: taskID}
}

// locateType resolves which project's container holds the task type.
func (s *Store) locateType(typeID string) (string, error) {
	ids, err := s.projectIDs()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		c, err := s.loadContainer(id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return "", err
		}
		if c.findType(typeID) != nil {
			return id, nil
		}
	}
	return "", &models.NotFoundError{Entity: "task_type", Key: typeID}
}

func (c *container) findType(id string) *models.TaskType {
	for _, tt := range c.Types {
		if tt.ID == id {
			return tt
		}
	}
	return nil
}

func (c *container) findTypeByName(name string) *models.TaskType {
	for _, tt := range c.Types {
		if strings.EqualFold(tt.Name, name) {
			return tt
		}
	}
	return nil
}

func (c *container) findTask(id string) *models.Task {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// sortedTasks returns the container's tasks ordered by creation time. The
// slice is fresh but shares task pointers with the container.
func (c *container) sortedTasks() []*models.Task {
	out := append([]*models.Task(nil), c.Tasks...)
	sortTasks(out)
	return out
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool { return taskBefore(tasks[i], tasks[j]) })
}

func taskBefore(a, b *models.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func paginate(tasks []*models.Task, offset, limit int) []*models.Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}
