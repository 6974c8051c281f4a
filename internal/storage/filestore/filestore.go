// Package filestore is the zero-dependency-deployment storage backend: one
// JSON container per project plus one file per session, under a single root
// directory. Mutations serialize through an in-process lock keyed by project
// and an on-disk lock file next to the container, so several broker
// processes can share the same directory.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/locker"

	"github.com/dotcommander/dispatch/internal/storage"
)

// Options tunes lock acquisition. Zero values fall back to defaults.
type Options struct {
	// LockTimeout bounds how long a mutation waits for the on-disk lock
	// and doubles as the stale-lock takeover age.
	LockTimeout time.Duration

	// Retry backoff for lock acquisition.
	RetryMin    time.Duration
	RetryMax    time.Duration
	RetryFactor float64
}

const (
	defaultLockTimeout = 5 * time.Second
	defaultRetryMin    = 10 * time.Millisecond
	defaultRetryMax    = 500 * time.Millisecond
	defaultRetryFactor = 2.0
)

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.RetryMin <= 0 {
		o.RetryMin = defaultRetryMin
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.RetryFactor <= 1 {
		o.RetryFactor = defaultRetryFactor
	}
	return o
}

// Store implements storage.Store on a directory tree.
type Store struct {
	root  string
	opts  Options
	locks *locker.Locker
}

var _ storage.Store = (*Store)(nil)

// Open prepares the directory layout under root.
func Open(root string, opts Options) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "projects"), filepath.Join(root, "sessions")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &Store{
		root:  root,
		opts:  opts.withDefaults(),
		locks: locker.New(),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Join(s.root, "projects"))
	return err
}

func (s *Store) Close() error { return nil }

func (s *Store) projectPath(projectID string) string {
	return filepath.Join(s.root, "projects", projectID+".json")
}

func (s *Store) sessionPath(token string) string {
	return filepath.Join(s.root, "sessions", token+".json")
}

// projectIDs lists the IDs of all persisted project containers.
func (s *Store) projectIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if err != nil {
		return nil, fmt.Errorf("read projects directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *Store) sessionTokens() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}
	var tokens []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		tokens = append(tokens, strings.TrimSuffix(name, ".json"))
	}
	return tokens, nil
}
