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

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	err := retryWithBackoff(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (token, agent_name, project_id, ttl_ns, data, created_at, last_accessed_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.Token, sess.AgentName, sess.ProjectID, int64(sess.TTL),
			models.CanonicalVariables(sess.Data),
			storage.FormatTime(sess.CreatedAt), storage.FormatTime(sess.LastAccessedAt),
			storage.FormatTime(sess.ExpiresAt))
		return err
	})
	if isUniqueViolation(err) {
		return &models.AlreadyExistsError{Entity: "session", Key: sess.Token}
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "session", Key: token}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	var affected int64
	err := retryWithBackoff(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET agent_name = ?, project_id = ?, ttl_ns = ?, data = ?, last_accessed_at = ?, expires_at = ?
			WHERE token = ?
		`, sess.AgentName, sess.ProjectID, int64(sess.TTL),
			models.CanonicalVariables(sess.Data),
			storage.FormatTime(sess.LastAccessedAt), storage.FormatTime(sess.ExpiresAt),
			sess.Token)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "session", Key: sess.Token}
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	var affected int64
	err := retryWithBackoff(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "session", Key: token}
	}
	return nil
}

func (s *Store) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE agent_name = ?`
	args := []any{agentName}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, token ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	var affected int64
	err := retryWithBackoff(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, storage.FormatTime(now))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return int(affected), nil
}
