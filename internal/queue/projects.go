package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// CreateProjectInput describes a new project. Nil MaxRetries and
// LeaseDuration take the engine defaults.
type CreateProjectInput struct {
	Name          string
	Description   string
	Instructions  string
	MaxRetries    *int
	LeaseDuration *time.Duration
}

func (e *Engine) CreateProject(ctx context.Context, in CreateProjectInput) (*models.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	maxRetries := e.opts.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	if maxRetries < 0 {
		return nil, &models.ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	lease := e.opts.DefaultLease
	if in.LeaseDuration != nil {
		lease = *in.LeaseDuration
	}
	if lease <= 0 {
		return nil, &models.ValidationError{Field: "lease_duration", Reason: "must be positive"}
	}

	now := e.now()
	p := &models.Project{
		ID:                storage.NewID(storage.ProjectIDPrefix),
		Name:              name,
		Description:       in.Description,
		Instructions:      in.Instructions,
		Status:            models.ProjectStatusActive,
		DefaultMaxRetries: maxRetries,
		DefaultLease:      lease,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.retryTransient(ctx, func() error { return e.store.CreateProject(ctx, p) }); err != nil {
		return nil, err
	}
	e.log.Info("project created", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// GetProject resolves by ID first, then by name.
func (e *Engine) GetProject(ctx context.Context, nameOrID string) (*models.Project, error) {
	p, err := e.store.GetProject(ctx, nameOrID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return e.store.GetProjectByName(ctx, nameOrID)
}

// UpdateProjectInput patches a project; nil fields stay unchanged.
type UpdateProjectInput struct {
	ProjectID     string
	Name          *string
	Description   *string
	Instructions  *string
	Status        *models.ProjectStatus
	MaxRetries    *int
	LeaseDuration *time.Duration
}

func (e *Engine) UpdateProject(ctx context.Context, in UpdateProjectInput) (*models.Project, error) {
	p, err := e.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, &models.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		p.Name = name
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Instructions != nil {
		p.Instructions = *in.Instructions
	}
	if in.Status != nil {
		switch *in.Status {
		case models.ProjectStatusActive, models.ProjectStatusClosed:
			p.Status = *in.Status
		default:
			return nil, &models.ValidationError{Field: "status", Reason: "must be active or closed"}
		}
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return nil, &models.ValidationError{Field: "max_retries", Reason: "must not be negative"}
		}
		p.DefaultMaxRetries = *in.MaxRetries
	}
	if in.LeaseDuration != nil {
		if *in.LeaseDuration <= 0 {
			return nil, &models.ValidationError{Field: "lease_duration", Reason: "must be positive"}
		}
		p.DefaultLease = *in.LeaseDuration
	}
	p.UpdatedAt = e.now()
	if err := e.retryTransient(ctx, func() error { return e.store.UpdateProject(ctx, p) }); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	return e.store.ListProjects(ctx, includeClosed)
}

// DeleteProject removes the project and everything under it.
func (e *Engine) DeleteProject(ctx context.Context, projectID string) error {
	if err := e.retryTransient(ctx, func() error { return e.store.DeleteProject(ctx, projectID) }); err != nil {
		return err
	}
	e.log.Info("project deleted", "project_id", projectID)
	return nil
}

func (e *Engine) ProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error) {
	return e.store.ProjectStats(ctx, projectID)
}
