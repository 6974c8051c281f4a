package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotcommander/dispatch/internal/metrics"
	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
	"github.com/dotcommander/dispatch/internal/template"
)

// CreateTaskInput describes a new task. ID is optional; an empty one is
// generated. Variables must bind every placeholder in the type's template.
type CreateTaskInput struct {
	ProjectID   string
	TypeID      string
	Variables   map[string]string
	ID          string
	Description string
}

func (e *Engine) CreateTask(ctx context.Context, in CreateTaskInput) (*models.Task, error) {
	p, err := e.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if p.IsClosed() {
		return nil, &models.ValidationError{Field: "project", Reason: "project is closed"}
	}
	tt, err := e.store.GetTaskType(ctx, in.TypeID)
	if err != nil {
		return nil, err
	}
	if tt.ProjectID != p.ID {
		return nil, &models.ValidationError{Field: "type_id", Reason: "task type belongs to a different project"}
	}
	if missing := template.Missing(tt.Template, in.Variables); len(missing) > 0 {
		return nil, &models.MissingVariablesError{Names: missing}
	}

	switch tt.DuplicatePolicy {
	case models.DuplicateIgnore:
		existing, err := e.store.FindDuplicateTask(ctx, p.ID, tt.ID, in.Variables)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.log.Info("duplicate task ignored", "task_id", existing.ID, "type_id", tt.ID)
			return existing, nil
		}
	case models.DuplicateFail:
		existing, err := e.store.FindDuplicateTask(ctx, p.ID, tt.ID, in.Variables)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &models.DuplicateTaskError{
				TypeID:         tt.ID,
				ExistingTaskID: existing.ID,
				Variables:      in.Variables,
			}
		}
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = storage.NewID(storage.TaskIDPrefix)
	}
	now := e.now()
	task := &models.Task{
		ID:          id,
		ProjectID:   p.ID,
		TypeID:      tt.ID,
		Description: in.Description,
		Variables:   in.Variables,
		Status:      models.TaskStatusQueued,
		MaxRetries:  tt.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.retryTransient(ctx, func() error { return e.store.CreateTask(ctx, task) }); err != nil {
		return nil, err
	}
	e.met.IncTaskEvent(metrics.EventCreated)
	e.log.Info("task created", "task_id", task.ID, "project_id", p.ID, "type_id", tt.ID)
	return task, nil
}

// BulkTaskItem is one entry of a bulk create.
type BulkTaskItem struct {
	TypeID      string
	Variables   map[string]string
	ID          string
	Description string
}

// BulkCreateResult reports how a bulk create went. Failed items land in
// Errors; the rest were created (or matched under policy ignore).
type BulkCreateResult struct {
	Created int      `json:"created"`
	Errors  []string `json:"errors"`
}

// BulkCreateTasks creates each item independently and keeps going past
// failures.
func (e *Engine) BulkCreateTasks(ctx context.Context, projectID string, items []BulkTaskItem) (*BulkCreateResult, error) {
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	res := &BulkCreateResult{Errors: []string{}}
	for i, item := range items {
		_, err := e.CreateTask(ctx, CreateTaskInput{
			ProjectID:   projectID,
			TypeID:      item.TypeID,
			Variables:   item.Variables,
			ID:          item.ID,
			Description: item.Description,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		res.Created++
	}
	return res, nil
}

func (e *Engine) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasksInput narrows ListTasks. Zero values mean no constraint.
type ListTasksInput struct {
	Status     string
	TypeID     string
	AssignedTo string
	Limit      int
	Offset     int
}

func (e *Engine) ListTasks(ctx context.Context, projectID string, in ListTasksInput) ([]*models.Task, error) {
	var status models.TaskStatus
	if in.Status != "" {
		status = models.TaskStatus(in.Status)
		if !status.Valid() {
			return nil, &models.ValidationError{Field: "status", Reason: "must be queued, running, completed, or failed"}
		}
	}
	if in.Limit < 0 {
		return nil, &models.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if in.Offset < 0 {
		return nil, &models.ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	return e.store.ListTasks(ctx, projectID, storage.TaskFilter{
		Status:     status,
		TypeID:     in.TypeID,
		AssignedTo: in.AssignedTo,
		Limit:      in.Limit,
		Offset:     in.Offset,
	})
}

// UpdateTaskInput patches descriptive task fields. Variables may only change
// while the task is queued, and are re-validated against the template.
type UpdateTaskInput struct {
	TaskID      string
	Description *string
	Variables   map[string]string
}

func (e *Engine) UpdateTask(ctx context.Context, in UpdateTaskInput) (*models.Task, error) {
	task, err := e.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.Variables != nil {
		if task.Status != models.TaskStatusQueued {
			return nil, &models.InvalidStateError{
				TaskID:   task.ID,
				Expected: models.TaskStatusQueued,
				Actual:   task.Status,
			}
		}
		tt, err := e.store.GetTaskType(ctx, task.TypeID)
		if err != nil {
			return nil, err
		}
		if missing := template.Missing(tt.Template, in.Variables); len(missing) > 0 {
			return nil, &models.MissingVariablesError{Names: missing}
		}
		task.Variables = in.Variables
	}
	task.UpdatedAt = e.now()
	if err := e.retryTransient(ctx, func() error { return e.store.UpdateTask(ctx, task) }); err != nil {
		return nil, err
	}
	return task, nil
}

func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	if err := e.retryTransient(ctx, func() error { return e.store.DeleteTask(ctx, id) }); err != nil {
		return err
	}
	e.log.Info("task deleted", "task_id", id)
	return nil
}

// Instructions renders the task's effective instructions by binding its
// variables into the type template. Rendering is lazy; nothing is stored.
func (e *Engine) Instructions(ctx context.Context, taskID string) (string, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	tt, err := e.store.GetTaskType(ctx, task.TypeID)
	if err != nil {
		return "", err
	}
	return template.Render(tt.Template, task.Variables), nil
}
