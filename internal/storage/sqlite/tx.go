package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// transact runs fn in a transaction wrapped with retryWithBackoff.
func (s *Store) transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryWithBackoff(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}
