package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	err := s.transact(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, t.ProjectID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "project", Key: t.ProjectID}
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM task_types WHERE id = ?`, t.TypeID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "task_type", Key: t.TypeID}
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, type_id, description, variables, status, retry_count, max_retries,
			                   assigned_to, assigned_at, lease_expires_at, result, created_at, updated_at, completed_at, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.ProjectID, t.TypeID, t.Description, encodeVariables(t.Variables),
			t.Status, t.RetryCount, t.MaxRetries,
			nullable(t.AssignedTo), nullableTime(t.AssignedAt), nullableTime(t.LeaseExpiresAt),
			nullableRaw(t.Result), storage.FormatTime(t.CreatedAt), storage.FormatTime(t.UpdatedAt),
			nullableTime(t.CompletedAt), nullableTime(t.FailedAt))
		return err
	})
	if isUniqueViolation(err) {
		return &models.AlreadyExistsError{Entity: "task", Key: t.ID}
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task *models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// getTaskTx loads a task with its attempts inside tx.
func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*models.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.Attempts, err = listAttemptsTx(ctx, tx, id); err != nil {
		return nil, err
	}
	return task, nil
}

func listAttemptsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]models.TaskAttempt, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM task_attempts WHERE task_id = ? ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListTasks(ctx context.Context, projectID string, filter storage.TaskFilter) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "project", Key: projectID}
		}
		if err != nil {
			return err
		}

		query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
		args := []any{projectID}
		if filter.Status != "" {
			query += ` AND status = ?`
			args = append(args, filter.Status)
		}
		if filter.TypeID != "" {
			query += ` AND type_id = ?`
			args = append(args, filter.TypeID)
		}
		if filter.AssignedTo != "" {
			query += ` AND assigned_to = ?`
			args = append(args, filter.AssignedTo)
		}
		query += ` ORDER BY created_at ASC, id ASC`
		if filter.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, filter.Limit)
		} else if filter.Offset > 0 {
			// SQLite requires a LIMIT clause before OFFSET.
			query += ` LIMIT -1`
		}
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}

		// Scan task rows into a slice first (single-connection safety),
		// then attach attempts.
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		func() {
			defer func() { _ = rows.Close() }()
			for rows.Next() {
				var task *models.Task
				if task, err = scanTask(rows); err != nil {
					return
				}
				tasks = append(tasks, task)
			}
			err = rows.Err()
		}()
		if err != nil {
			return fmt.Errorf("scan tasks: %w", err)
		}

		for _, task := range tasks {
			if task.Attempts, err = listAttemptsTx(ctx, tx, task.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	var affected int64
	err := retryWithBackoff(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET description = ?, variables = ?, updated_at = ? WHERE id = ?
		`, t.Description, encodeVariables(t.Variables), storage.FormatTime(t.UpdatedAt), t.ID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "task", Key: t.ID}
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	var affected int64
	err := retryWithBackoff(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "task", Key: id}
	}
	return nil
}

func (s *Store) ListExpiredTasks(ctx context.Context, projectID string, now time.Time) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "project", Key: projectID}
		}
		if err != nil {
			return err
		}

		ids, err := expiredTaskIDsTx(ctx, tx, projectID, now)
		if err != nil {
			return err
		}
		for _, id := range ids {
			task, err := getTaskTx(ctx, tx, id)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// expiredTaskIDsTx returns running tasks whose lease expiry string sorts at
// or before now. The fixed-width time encoding makes the comparison safe.
func expiredTaskIDsTx(ctx context.Context, tx *sql.Tx, projectID string, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE project_id = ? AND status = 'running' AND lease_expires_at <= ?
		ORDER BY created_at ASC, id ASC
	`, projectID, storage.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*models.Task, error) {
	var task *models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		// The canonical variables encoding turns map equality into string
		// equality, which the partial duplicate index serves directly.
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE project_id = ? AND type_id = ? AND variables = ? AND status != 'failed'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`, projectID, typeID, encodeVariables(variables)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find duplicate: %w", err)
		}
		task, err = getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
