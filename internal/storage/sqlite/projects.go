package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	err := retryWithBackoff(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, instructions, status, default_max_retries, default_lease_ns, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.Name, p.Description, p.Instructions, p.Status,
			p.DefaultMaxRetries, int64(p.DefaultLease),
			storage.FormatTime(p.CreatedAt), storage.FormatTime(p.UpdatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return &models.AlreadyExistsError{Entity: "project", Key: p.Name}
	}
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "project", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "project", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	if !includeClosed {
		query += ` WHERE status != 'closed'`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	var affected int64
	err := retryWithBackoff(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE projects
			SET name = ?, description = ?, instructions = ?, status = ?,
			    default_max_retries = ?, default_lease_ns = ?, updated_at = ?
			WHERE id = ?
		`, p.Name, p.Description, p.Instructions, p.Status,
			p.DefaultMaxRetries, int64(p.DefaultLease),
			storage.FormatTime(p.UpdatedAt), p.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if isUniqueViolation(err) {
		return &models.AlreadyExistsError{Entity: "project", Key: p.Name}
	}
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "project", Key: p.ID}
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	var affected int64
	err := retryWithBackoff(func() error {
		// ON DELETE CASCADE removes the project's types, tasks, and
		// attempts in the same statement.
		res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "project", Key: id}
	}
	return nil
}

func (s *Store) ProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error) {
	stats := &models.ProjectStats{}
	err := s.transact(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "project", Key: projectID}
		}
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status
		`, projectID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var status models.TaskStatus
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats.Total += count
			switch status {
			case models.TaskStatusQueued:
				stats.Queued = count
			case models.TaskStatusRunning:
				stats.Running = count
			case models.TaskStatusCompleted:
				stats.Completed = count
			case models.TaskStatusFailed:
				stats.Failed = count
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
