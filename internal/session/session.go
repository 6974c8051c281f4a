// Package session tracks agent working sessions with a sliding expiry
// window. A session is an opaque token plus a small key/value scratch map;
// every read through the manager pushes the expiry forward by the session's
// TTL, so sessions die only when the agent goes quiet. A periodic cleanup
// pass deletes what has lapsed.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/dotcommander/dispatch/internal/metrics"
	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

const (
	defaultTTL             = time.Hour
	defaultCleanupInterval = 5 * time.Minute
)

// Options carries the manager's dependencies. Clock, logger, and metrics
// are injected; nil Metrics disables recording.
type Options struct {
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	TTL             time.Duration
	CleanupInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = defaultCleanupInterval
	}
	return o
}

// Manager owns session lifecycle on top of a Store.
type Manager struct {
	store   storage.Store
	clk     clock.Clock
	log     *slog.Logger
	met     *metrics.Metrics
	ttl     time.Duration
	cleanup time.Duration
}

func New(store storage.Store, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		store:   store,
		clk:     opts.Clock,
		log:     opts.Logger,
		met:     opts.Metrics,
		ttl:     opts.TTL,
		cleanup: opts.CleanupInterval,
	}
}

func (m *Manager) now() time.Time {
	return m.clk.Now().UTC()
}

// CreateInput describes a new session. TTL zero means the manager default.
// With ResumeExisting set, a live session for the same agent and project is
// refreshed and returned instead of minting a new token.
type CreateInput struct {
	AgentName      string
	ProjectID      string
	TTL            time.Duration
	Data           map[string]string
	ResumeExisting bool
}

// Create registers a session and returns it. Tokens are random UUIDs; the
// caller must present the token on every later call.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.Session, error) {
	if in.AgentName == "" {
		return nil, &models.ValidationError{Field: "agent_name", Reason: "must not be empty"}
	}
	if in.TTL < 0 {
		return nil, &models.ValidationError{Field: "ttl", Reason: "must not be negative"}
	}
	if in.ProjectID != "" {
		if _, err := m.store.GetProject(ctx, in.ProjectID); err != nil {
			return nil, err
		}
	}

	now := m.now()
	if in.ResumeExisting {
		existing, err := m.store.FindSessionsByAgent(ctx, in.AgentName, in.ProjectID)
		if err != nil {
			return nil, err
		}
		for _, s := range existing {
			if s.Expired(now) {
				continue
			}
			if err := m.refresh(ctx, s, now); err != nil {
				return nil, err
			}
			m.met.IncSessionEvent(metrics.SessionResumed)
			m.log.Info("session resumed",
				"token", s.Token, "agent", s.AgentName, "project_id", s.ProjectID)
			return s, nil
		}
	}

	ttl := in.TTL
	if ttl == 0 {
		ttl = m.ttl
	}
	s := &models.Session{
		Token:          uuid.NewString(),
		AgentName:      in.AgentName,
		ProjectID:      in.ProjectID,
		TTL:            ttl,
		Data:           in.Data,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	m.met.IncSessionEvent(metrics.SessionCreated)
	m.log.Info("session created",
		"token", s.Token, "agent", s.AgentName, "project_id", s.ProjectID, "ttl", ttl)
	return s, nil
}

// Validate loads a session by token and slides its expiry window forward.
// An expired session is deleted and reported as not found, so callers never
// see a stale session succeed.
func (m *Manager) Validate(ctx context.Context, token string) (*models.Session, error) {
	s, err := m.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if s.Expired(now) {
		if err := m.store.DeleteSession(ctx, token); err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		m.met.IncSessionEvent(metrics.SessionExpired)
		m.log.Info("session expired", "token", token, "agent", s.AgentName)
		return nil, &models.NotFoundError{Entity: "session", Key: token}
	}
	if err := m.refresh(ctx, s, now); err != nil {
		return nil, err
	}
	return s, nil
}

// Update merges data into a live session's scratch map and slides the
// expiry window. Keys in data overwrite existing keys; other keys survive.
func (m *Manager) Update(ctx context.Context, token string, data map[string]string) (*models.Session, error) {
	s, err := m.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if s.Data == nil {
			s.Data = make(map[string]string, len(data))
		}
		for k, v := range data {
			s.Data[k] = v
		}
		if err := m.store.UpdateSession(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Delete removes a session by token.
func (m *Manager) Delete(ctx context.Context, token string) error {
	if err := m.store.DeleteSession(ctx, token); err != nil {
		return err
	}
	m.met.IncSessionEvent(metrics.SessionDeleted)
	m.log.Info("session deleted", "token", token)
	return nil
}

// FindByAgent returns the agent's live sessions, newest first. Empty
// projectID matches any project. Expired sessions are filtered out here and
// left for the cleanup pass to remove.
func (m *Manager) FindByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	if agentName == "" {
		return nil, &models.ValidationError{Field: "agent_name", Reason: "must not be empty"}
	}
	all, err := m.store.FindSessionsByAgent(ctx, agentName, projectID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	live := make([]*models.Session, 0, len(all))
	for _, s := range all {
		if !s.Expired(now) {
			live = append(live, s)
		}
	}
	return live, nil
}

// Cleanup deletes every expired session and reports how many went.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	m.met.AddSessionEvents(metrics.SessionExpired, n)
	if n > 0 {
		m.log.Info("expired sessions removed", "count", n)
	}
	return n, nil
}

// Run cleans up on the configured interval until ctx is done. Cleanup
// errors are logged; the loop never stops on them.
func (m *Manager) Run(ctx context.Context) error {
	timer := m.clk.NewTimer(m.cleanup)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			if _, err := m.Cleanup(ctx); err != nil {
				m.log.Error("session cleanup failed", "error", err)
			}
			timer.Reset(m.cleanup)
		}
	}
}

// refresh pushes the session's expiry forward from now. Sessions written by
// older builds may carry no TTL; those slide by the manager default.
func (m *Manager) refresh(ctx context.Context, s *models.Session, now time.Time) error {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	s.LastAccessedAt = now
	s.ExpiresAt = now.Add(ttl)
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return err
	}
	m.met.IncSessionEvent(metrics.SessionRefreshed)
	return nil
}
