package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

func (s *Store) CreateTaskType(ctx context.Context, tt *models.TaskType) error {
	err := s.transact(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, tt.ProjectID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "project", Key: tt.ProjectID}
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_types (id, project_id, name, template, variables, duplicate_policy, max_retries, lease_ns, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, tt.ID, tt.ProjectID, tt.Name, tt.Template, encodeStringList(tt.Variables),
			tt.DuplicatePolicy, tt.MaxRetries, int64(tt.LeaseDuration),
			storage.FormatTime(tt.CreatedAt), storage.FormatTime(tt.UpdatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return &models.AlreadyExistsError{Entity: "task_type", Key: tt.Name}
	}
	if err != nil {
		return fmt.Errorf("insert task type: %w", err)
	}
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+typeColumns+` FROM task_types WHERE id = ?`, id)
	tt, err := scanTaskType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task_type", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task type: %w", err)
	}
	return tt, nil
}

func (s *Store) GetTaskTypeByName(ctx context.Context, projectID, name string) (*models.TaskType, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+typeColumns+` FROM task_types WHERE project_id = ? AND name = ?
	`, projectID, name)
	tt, err := scanTaskType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task_type", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get task type by name: %w", err)
	}
	return tt, nil
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+typeColumns+` FROM task_types WHERE project_id = ? ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list task types: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TaskType
	for rows.Next() {
		tt, err := scanTaskType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task type: %w", err)
		}
		out = append(out, tt)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskType(ctx context.Context, tt *models.TaskType) error {
	var affected int64
	err := retryWithBackoff(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_types
			SET name = ?, template = ?, variables = ?, duplicate_policy = ?,
			    max_retries = ?, lease_ns = ?, updated_at = ?
			WHERE id = ?
		`, tt.Name, tt.Template, encodeStringList(tt.Variables), tt.DuplicatePolicy,
			tt.MaxRetries, int64(tt.LeaseDuration), storage.FormatTime(tt.UpdatedAt), tt.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if isUniqueViolation(err) {
		return &models.AlreadyExistsError{Entity: "task_type", Key: tt.Name}
	}
	if err != nil {
		return fmt.Errorf("update task type: %w", err)
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "task_type", Key: tt.ID}
	}
	return nil
}

func (s *Store) DeleteTaskType(ctx context.Context, id string) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		var refs int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE type_id = ?`, id).Scan(&refs)
		if err != nil {
			return err
		}
		if refs > 0 {
			return &models.ValidationError{Field: "task_type", Reason: "tasks still reference this type"}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM task_types WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return &models.NotFoundError{Entity: "task_type", Key: id}
		}
		return nil
	})
}
