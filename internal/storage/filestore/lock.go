package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dotcommander/dispatch/internal/models"
)

// errLockHeld signals a fresh lock file owned by another process.
var errLockHeld = errors.New("lock file held")

// lockFilePath is the on-disk lock guarding a container file.
func lockFilePath(path string) string { return path + ".lock" }

// acquireLock takes the in-process lock for key, then the on-disk lock next
// to path. The disk attempt retries with exponential backoff until
// Options.LockTimeout elapses; a lock file older than LockTimeout is treated
// as abandoned and taken over.
func (s *Store) acquireLock(ctx context.Context, key, path, projectID string) (func(), error) {
	s.locks.Lock(key)

	lockPath := lockFilePath(path)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryMin
	policy.MaxInterval = s.opts.RetryMax
	policy.Multiplier = s.opts.RetryFactor
	policy.MaxElapsedTime = s.opts.LockTimeout
	policy.RandomizationFactor = 0.1

	attempt := func() error {
		err := s.tryDiskLock(lockPath)
		if err == nil || errors.Is(err, errLockHeld) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		_ = s.locks.Unlock(key)
		if errors.Is(err, errLockHeld) {
			return nil, &models.LockTimeoutError{
				ProjectID: projectID,
				Path:      lockPath,
				Timeout:   s.opts.LockTimeout,
			}
		}
		return nil, err
	}

	release := func() {
		_ = os.Remove(lockPath)
		_ = s.locks.Unlock(key)
	}
	return release, nil
}

// tryDiskLock creates the lock file exclusively, stealing it first when the
// existing one has outlived LockTimeout.
func (s *Store) tryDiskLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
		return f.Close()
	}
	if !os.IsExist(err) {
		return fmt.Errorf("create lock file: %w", err)
	}
	info, statErr := os.Stat(lockPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			// Holder released between our attempts.
			return errLockHeld
		}
		return fmt.Errorf("stat lock file: %w", statErr)
	}
	if time.Since(info.ModTime()) > s.opts.LockTimeout {
		// Abandoned by a crashed holder.
		_ = os.Remove(lockPath)
	}
	return errLockHeld
}
