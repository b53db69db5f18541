package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunInTx runs fn inside a transaction. The transaction commits if fn returns
// nil and rolls back otherwise; partial writes never survive a failed fn.
// lockTimeout > 0 sets Postgres lock_timeout for the transaction (SET LOCAL),
// bounding how long row-lock acquisition may block.
func RunInTx(ctx context.Context, db *sql.DB, lockTimeout time.Duration, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if lockTimeout > 0 {
		// SET LOCAL does not take bind parameters; the value is a formatted duration, not user input.
		q := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, q); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
