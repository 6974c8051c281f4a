package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
	"github.com/dotcommander/dispatch/internal/template"
)

// CreateTaskTypeInput describes a new task type. Nil Variables declares the
// template's own placeholder set; nil policy, retries, and lease take the
// project defaults.
type CreateTaskTypeInput struct {
	ProjectID       string
	Name            string
	Template        string
	Variables       []string
	DuplicatePolicy *models.DuplicatePolicy
	MaxRetries      *int
	LeaseDuration   *time.Duration
}

func (e *Engine) CreateTaskType(ctx context.Context, in CreateTaskTypeInput) (*models.TaskType, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.Template) == "" {
		return nil, &models.ValidationError{Field: "template", Reason: "must not be empty"}
	}

	p, err := e.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}

	declared := in.Variables
	if declared == nil {
		declared = template.Vars(in.Template)
	}
	if err := validateDeclared(in.Template, declared); err != nil {
		return nil, err
	}

	policy := models.DuplicateAllow
	if in.DuplicatePolicy != nil {
		policy = *in.DuplicatePolicy
	}
	if !policy.Valid() {
		return nil, &models.ValidationError{Field: "duplicate_policy", Reason: "must be allow, ignore, or fail"}
	}

	maxRetries := p.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	if maxRetries < 0 {
		return nil, &models.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	lease := p.DefaultLease
	if in.LeaseDuration != nil {
		lease = *in.LeaseDuration
	}
	if lease <= 0 {
		return nil, &models.ValidationError{Field: "lease_duration", Reason: "must be positive"}
	}

	now := e.now()
	tt := &models.TaskType{
		ID:              storage.NewID(storage.TaskTypeIDPrefix),
		ProjectID:       p.ID,
		Name:            name,
		Template:        in.Template,
		Variables:       declared,
		DuplicatePolicy: policy,
		MaxRetries:      maxRetries,
		LeaseDuration:   lease,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.retryTransient(ctx, func() error { return e.store.CreateTaskType(ctx, tt) }); err != nil {
		return nil, err
	}
	e.log.Info("task type created", "type_id", tt.ID, "project_id", p.ID, "name", tt.Name)
	return tt, nil
}

func (e *Engine) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	return e.store.GetTaskType(ctx, id)
}

// GetTaskTypeByName resolves within a project, trying the name first and
// falling back to an ID that must belong to the same project.
func (e *Engine) GetTaskTypeByName(ctx context.Context, projectID, nameOrID string) (*models.TaskType, error) {
	tt, err := e.store.GetTaskTypeByName(ctx, projectID, nameOrID)
	if err == nil {
		return tt, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	tt, err = e.store.GetTaskType(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	if tt.ProjectID != projectID {
		return nil, &models.NotFoundError{Entity: "task_type", Key: nameOrID}
	}
	return tt, nil
}

func (e *Engine) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	return e.store.ListTaskTypes(ctx, projectID)
}

// UpdateTaskTypeInput patches a task type; nil fields stay unchanged.
// Template and variable changes are re-validated together.
type UpdateTaskTypeInput struct {
	TypeID          string
	Name            *string
	Template        *string
	Variables       *[]string
	DuplicatePolicy *models.DuplicatePolicy
	MaxRetries      *int
	LeaseDuration   *time.Duration
}

func (e *Engine) UpdateTaskType(ctx context.Context, in UpdateTaskTypeInput) (*models.TaskType, error) {
	tt, err := e.store.GetTaskType(ctx, in.TypeID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, &models.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		tt.Name = name
	}
	if in.Template != nil {
		if strings.TrimSpace(*in.Template) == "" {
			return nil, &models.ValidationError{Field: "template", Reason: "must not be empty"}
		}
		tt.Template = *in.Template
	}
	if in.Variables != nil {
		tt.Variables = *in.Variables
	}
	if err := validateDeclared(tt.Template, tt.Variables); err != nil {
		return nil, err
	}
	if in.DuplicatePolicy != nil {
		if !in.DuplicatePolicy.Valid() {
			return nil, &models.ValidationError{Field: "duplicate_policy", Reason: "must be allow, ignore, or fail"}
		}
		tt.DuplicatePolicy = *in.DuplicatePolicy
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return nil, &models.ValidationError{Field: "max_retries", Reason: "must not be negative"}
		}
		tt.MaxRetries = *in.MaxRetries
	}
	if in.LeaseDuration != nil {
		if *in.LeaseDuration <= 0 {
			return nil, &models.ValidationError{Field: "lease_duration", Reason: "must be positive"}
		}
		tt.LeaseDuration = *in.LeaseDuration
	}
	tt.UpdatedAt = e.now()
	if err := e.retryTransient(ctx, func() error { return e.store.UpdateTaskType(ctx, tt) }); err != nil {
		return nil, err
	}
	return tt, nil
}

// DeleteTaskType removes a type no tasks reference.
func (e *Engine) DeleteTaskType(ctx context.Context, id string) error {
	if err := e.retryTransient(ctx, func() error { return e.store.DeleteTaskType(ctx, id) }); err != nil {
		return err
	}
	e.log.Info("task type deleted", "type_id", id)
	return nil
}

// validateDeclared checks that every declared variable is a legal placeholder
// name the template actually references.
func validateDeclared(tmpl string, declared []string) error {
	for _, v := range declared {
		if !template.ValidName(v) {
			return &models.ValidationError{Field: "variables", Reason: fmt.Sprintf("invalid variable name %q", v)}
		}
	}
	if extra := template.ExtraDeclared(tmpl, declared); len(extra) > 0 {
		return &models.ValidationError{
			Field:  "variables",
			Reason: "declared but not in template: " + strings.Join(extra, ", "),
		}
	}
	return nil
}
