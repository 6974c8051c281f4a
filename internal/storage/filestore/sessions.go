package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dotcommander/dispatch/internal/models"
)

func sessionLockKey(token string) string { return "session:" + token }

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	release, err := s.acquireLock(ctx, sessionLockKey(sess.Token), s.sessionPath(sess.Token), "")
	if err != nil {
		return err
	}
	defer release()

	if _, err := os.Stat(s.sessionPath(sess.Token)); err == nil {
		return &models.AlreadyExistsError{Entity: "session", Key: sess.Token}
	}
	return s.saveSession(sess)
}

func (s *Store) GetSession(ctx context.Context, token string) (*models.Session, error) {
	return s.loadSession(token)
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	release, err := s.acquireLock(ctx, sessionLockKey(sess.Token), s.sessionPath(sess.Token), "")
	if err != nil {
		return err
	}
	defer release()

	if _, err := os.Stat(s.sessionPath(sess.Token)); err != nil {
		if os.IsNotExist(err) {
			return &models.NotFoundError{Entity: "session", Key: sess.Token}
		}
		return err
	}
	return s.saveSession(sess)
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	release, err := s.acquireLock(ctx, sessionLockKey(token), s.sessionPath(token), "")
	if err != nil {
		return err
	}
	defer release()

	if err := os.Remove(s.sessionPath(token)); err != nil {
		if os.IsNotExist(err) {
			return &models.NotFoundError{Entity: "session", Key: token}
		}
		return err
	}
	return nil
}

func (s *Store) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	tokens, err := s.sessionTokens()
	if err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, token := range tokens {
		sess, err := s.loadSession(token)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if sess.AgentName != agentName {
			continue
		}
		if projectID != "" && sess.ProjectID != projectID {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	tokens, err := s.sessionTokens()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, token := range tokens {
		sess, err := s.loadSession(token)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		if !sess.Expired(now) {
			continue
		}
		if err := os.Remove(s.sessionPath(token)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) loadSession(token string) (*models.Session, error) {
	raw, err := os.ReadFile(s.sessionPath(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &models.NotFoundError{Entity: "session", Key: token}
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var doc sessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", token, err)
	}
	return decodeSession(doc)
}

func (s *Store) saveSession(sess *models.Session) error {
	data, err := json.MarshalIndent(encodeSession(sess), "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.Token, err)
	}
	data = append(data, '\n')
	return atomicWriteFile(s.sessionPath(sess.Token), data)
}
