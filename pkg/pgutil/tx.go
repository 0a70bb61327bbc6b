package pgutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WithTransaction executes fn within a transaction. The transaction is
// rolled back if fn returns an error or panics, committed otherwise.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w (rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithRetry executes fn in a transaction, retrying on serialization
// failures and deadlocks with exponential backoff. Other errors are
// returned immediately.
func WithRetry(ctx context.Context, db *sql.DB, maxRetries int, fn func(tx *sql.Tx) error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := WithTransaction(ctx, db, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsSerializationFailure(err) && !IsDeadlockDetected(err) {
			return err
		}

		if attempt < maxRetries-1 {
			backoff := time.Millisecond * time.Duration(100*(1<<uint(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// Savepoint wraps a named savepoint inside the ambient transaction. It is
// the building block for "try it, fall back on conflict" updates where a
// unique violation must not poison the surrounding transaction.
type Savepoint struct {
	q    Queryer
	name string
	done bool
}

// NewSavepoint opens a savepoint with a collision-free generated name.
func NewSavepoint(ctx context.Context, q Queryer) (*Savepoint, error) {
	name := "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("failed to open savepoint: %w", err)
	}
	return &Savepoint{q: q, name: name}, nil
}

// Rollback reverts to the savepoint and releases it.
func (s *Savepoint) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if _, err := s.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+s.name); err != nil {
		return fmt.Errorf("failed to rollback savepoint: %w", err)
	}
	_, err := s.q.ExecContext(ctx, "RELEASE SAVEPOINT "+s.name)
	return err
}

// Release commits the savepoint into the surrounding transaction.
func (s *Savepoint) Release(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if _, err := s.q.ExecContext(ctx, "RELEASE SAVEPOINT "+s.name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
