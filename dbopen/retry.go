package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// busyAttempts bounds RunTx and Exec: one try plus two retries.
const busyAttempts = 3

// IsBusy reports whether err is an SQLite lock conflict (SQLITE_BUSY or a
// locked table) that a later attempt may not hit.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func busyBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, busyAttempts-1), ctx)
}

// retryBusy runs op until it succeeds, fails with a non-busy error, or the
// attempts run out. A cancelled ctx ends the wait early.
func retryBusy(ctx context.Context, what string, op func() error) error {
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, busyBackOff(ctx))
	if err != nil && IsBusy(err) && ctx.Err() != nil {
		return fmt.Errorf("dbopen: %s: %w (while retrying: %v)", what, ctx.Err(), err)
	}
	return err
}

// RunTx runs fn in a transaction, retrying the whole transaction while
// SQLite reports a lock conflict. fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "tx", func() error { return runOnce(ctx, db, fn) })
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec runs one statement with the same lock-conflict retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
