package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

// taskState is the slice of a task row the atomic primitives decide on.
type taskState struct {
	status         models.TaskStatus
	assignedTo     string
	retryCount     int
	maxRetries     int
	typeID         string
	leaseExpiresAt *time.Time
}

func loadTaskStateTx(ctx context.Context, tx *sql.Tx, taskID string) (*taskState, error) {
	var (
		st          taskState
		assignedTo  sql.NullString
		leaseExpiry sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
		SELECT status, assigned_to, retry_count, max_retries, type_id, lease_expires_at
		FROM tasks WHERE id = ?
	`, taskID).Scan(&st.status, &assignedTo, &st.retryCount, &st.maxRetries, &st.typeID, &leaseExpiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task", Key: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("load task state: %w", err)
	}
	st.assignedTo = scanNullString(assignedTo)
	if st.leaseExpiresAt, err = parseNullTime(leaseExpiry); err != nil {
		return nil, err
	}
	return &st, nil
}

// requireOwnedTx checks the shared precondition of the terminal primitives:
// the task is running and leased by agentName.
func requireOwnedTx(ctx context.Context, tx *sql.Tx, taskID, agentName string) (*taskState, error) {
	st, err := loadTaskStateTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if st.status != models.TaskStatusRunning {
		return nil, &models.InvalidStateError{TaskID: taskID, Expected: models.TaskStatusRunning, Actual: st.status}
	}
	if st.assignedTo != agentName {
		return nil, &models.NotAssignedError{TaskID: taskID, AgentName: agentName, AssignedTo: st.assignedTo}
	}
	return st, nil
}

// closeAttemptTx closes the task's open attempt, if one exists.
func closeAttemptTx(ctx context.Context, tx *sql.Tx, taskID string, status models.AttemptStatus, result json.RawMessage, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE task_attempts SET status = ?, result = ?, completed_at = ?
		WHERE task_id = ? AND status = 'running'
	`, status, nullableRaw(result), storage.FormatTime(now), taskID)
	if err != nil {
		return fmt.Errorf("close attempt: %w", err)
	}
	return nil
}

func appendAttemptTx(ctx context.Context, tx *sql.Tx, taskID, agentName string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_attempts (task_id, seq, agent_name, status, started_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_attempts WHERE task_id = ?), ?, 'running', ?)
	`, taskID, taskID, agentName, storage.FormatTime(now))
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// casGuard wraps an UPDATE that carries a status predicate. Zero rows means
// the row changed under us, which a serialized transaction should rule out.
func casGuard(res sql.Result, taskID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task %s changed during transaction", taskID)
	}
	return nil
}

func (s *Store) FetchNextTask(ctx context.Context, in storage.FetchInput) (*models.Task, error) {
	var task *models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		task = nil
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, in.ProjectID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "project", Key: in.ProjectID}
		}
		if err != nil {
			return err
		}

		nowStr := storage.FormatTime(in.Now)

		// Resumption: an agent that already holds a live lease gets its
		// own task back instead of a second one.
		if in.AgentName != "" {
			var heldID string
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM tasks
				WHERE project_id = ? AND status = 'running' AND assigned_to = ? AND lease_expires_at > ?
				ORDER BY created_at ASC, id ASC
				LIMIT 1
			`, in.ProjectID, in.AgentName, nowStr).Scan(&heldID)
			if err == nil {
				task, err = getTaskTx(ctx, tx, heldID)
				return err
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("resumption lookup: %w", err)
			}
		}

		// Expired leases are reclaimed through the same requeue-or-fail
		// transition the reaper uses, so the retry bound applies no matter
		// which path gets there first.
		expired, err := expiredTaskIDsTx(ctx, tx, in.ProjectID, in.Now)
		if err != nil {
			return err
		}
		for _, id := range expired {
			if _, err := reapTaskTx(ctx, tx, id, in.Now); err != nil {
				return err
			}
		}

		var nextID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE project_id = ? AND status = 'queued' AND retry_count <= max_retries
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`, in.ProjectID).Scan(&nextID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next task: %w", err)
		}

		lease, err := leaseForTaskTx(ctx, tx, nextID, in.DefaultLease)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'running', assigned_to = ?, assigned_at = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'
		`, in.AgentName, nowStr, storage.FormatTime(in.Now.Add(lease)), nowStr, nextID)
		if err != nil {
			return fmt.Errorf("lease task: %w", err)
		}
		if err := casGuard(res, nextID); err != nil {
			return err
		}
		if err := appendAttemptTx(ctx, tx, nextID, in.AgentName, in.Now); err != nil {
			return err
		}

		task, err = getTaskTx(ctx, tx, nextID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// leaseForTaskTx resolves the lease duration for a task from its type,
// falling back to def when the type is gone or carries no duration.
func leaseForTaskTx(ctx context.Context, tx *sql.Tx, taskID string, def time.Duration) (time.Duration, error) {
	var leaseNS int64
	err := tx.QueryRowContext(ctx, `
		SELECT tt.lease_ns FROM task_types tt
		JOIN tasks t ON t.type_id = tt.id
		WHERE t.id = ?
	`, taskID).Scan(&leaseNS)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve lease duration: %w", err)
	}
	if leaseNS <= 0 {
		return def, nil
	}
	return time.Duration(leaseNS), nil
}

func (s *Store) CompleteTask(ctx context.Context, in storage.CompleteInput) (*models.Task, error) {
	var task *models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		if _, err := requireOwnedTx(ctx, tx, in.TaskID, in.AgentName); err != nil {
			return err
		}
		if err := closeAttemptTx(ctx, tx, in.TaskID, models.AttemptCompleted, in.Result, in.Now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'completed', completed_at = ?, result = ?,
			    assigned_to = NULL, assigned_at = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'running'
		`, storage.FormatTime(in.Now), nullableRaw(in.Result), storage.FormatTime(in.Now), in.TaskID)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := casGuard(res, in.TaskID); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, in.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) FailTask(ctx context.Context, in storage.FailInput) (*models.Task, error) {
	var task *models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		st, err := requireOwnedTx(ctx, tx, in.TaskID, in.AgentName)
		if err != nil {
			return err
		}
		if err := closeAttemptTx(ctx, tx, in.TaskID, models.AttemptFailed, in.Result, in.Now); err != nil {
			return err
		}

		nowStr := storage.FormatTime(in.Now)
		newCount := st.retryCount + 1
		var res sql.Result
		if in.CanRetry && newCount <= st.maxRetries {
			res, err = tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'queued', retry_count = ?,
				    assigned_to = NULL, assigned_at = NULL, lease_expires_at = NULL, updated_at = ?
				WHERE id = ? AND status = 'running'
			`, newCount, nowStr, in.TaskID)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'failed', failed_at = ?, retry_count = ?, result = ?,
				    assigned_to = NULL, assigned_at = NULL, lease_expires_at = NULL, updated_at = ?
				WHERE id = ? AND status = 'running'
			`, nowStr, newCount, nullableRaw(in.Result), nowStr, in.TaskID)
		}
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		if err := casGuard(res, in.TaskID); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, in.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) ExtendLease(ctx context.Context, in storage.ExtendInput) (*models.Task, error) {
	var task *models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		st, err := requireOwnedTx(ctx, tx, in.TaskID, in.AgentName)
		if err != nil {
			return err
		}
		// No-op on an absent lease; the running invariant makes this a
		// defensive branch only.
		if st.leaseExpiresAt != nil {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET lease_expires_at = ?, updated_at = ?
				WHERE id = ? AND status = 'running'
			`, storage.FormatTime(st.leaseExpiresAt.Add(in.Additional)), storage.FormatTime(in.Now), in.TaskID)
			if err != nil {
				return fmt.Errorf("extend lease: %w", err)
			}
			if err := casGuard(res, in.TaskID); err != nil {
				return err
			}
		}
		task, err = getTaskTx(ctx, tx, in.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) ReapTask(ctx context.Context, in storage.ReapInput) (*models.Task, error) {
	var task *models.Task
	err := s.transact(ctx, func(tx *sql.Tx) error {
		task = nil
		changed, err := reapTaskTx(ctx, tx, in.TaskID, in.Now)
		if err != nil || !changed {
			return err
		}
		task, err = getTaskTx(ctx, tx, in.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// reapTaskTx applies the requeue-or-fail transition to one task if it is
// still running with an expired lease. Returns false when the precondition
// no longer holds, which makes concurrent reclaim paths idempotent.
func reapTaskTx(ctx context.Context, tx *sql.Tx, taskID string, now time.Time) (bool, error) {
	st, err := loadTaskStateTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if st.status != models.TaskStatusRunning || st.leaseExpiresAt == nil || now.Before(*st.leaseExpiresAt) {
		return false, nil
	}

	result := models.LeaseExpiredResult()
	if err := closeAttemptTx(ctx, tx, taskID, models.AttemptExpired, result, now); err != nil {
		return false, err
	}

	nowStr := storage.FormatTime(now)
	newCount := st.retryCount + 1
	var res sql.Result
	if newCount <= st.maxRetries {
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'queued', retry_count = ?,
			    assigned_to = NULL, assigned_at = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'running'
		`, newCount, nowStr, taskID)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'failed', failed_at = ?, retry_count = ?, result = ?,
			    assigned_to = NULL, assigned_at = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'running'
		`, nowStr, newCount, nullableRaw(result), nowStr, taskID)
	}
	if err != nil {
		return false, fmt.Errorf("reap task: %w", err)
	}
	if err := casGuard(res, taskID); err != nil {
		return false, err
	}
	return true, nil
}
