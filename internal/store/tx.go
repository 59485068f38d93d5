package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/statewipe/statewipe/internal/logging"
)

// TransactionError wraps a failure against a single data store. Busy
// distinguishes "the editor still holds the file" from structural
// failures so callers can report it clearly.
type TransactionError struct {
	Path string
	Busy bool
	Err  error
}

func (e *TransactionError) Error() string {
	if e.Busy {
		return fmt.Sprintf("data store %s is busy: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("transaction failed on %s: %v", e.Path, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Statement is a pre-declared mutation against the catalog table.
// Statements can only be built through DeleteByPattern and
// InsertKeyValue; arbitrary SQL never enters the coordinator.
type Statement struct {
	query string
	args  []any
	desc  string
}

// Description returns a short human-readable summary of the statement.
func (s Statement) Description() string { return s.desc }

// DeleteByPattern builds a delete over rows whose key or value matches
// the given LIKE pattern. Patterns come from the internal catalog, not
// from user input.
func DeleteByPattern(pattern string) Statement {
	return Statement{
		query: "DELETE FROM " + CatalogTable + " WHERE key LIKE ? OR value LIKE ?",
		args:  []any{pattern, pattern},
		desc:  fmt.Sprintf("delete rows matching %s", pattern),
	}
}

// InsertKeyValue builds an upsert of a single identifier row. INSERT
// OR REPLACE keeps re-runs over already-cleaned stores idempotent.
func InsertKeyValue(key, value string) Statement {
	return Statement{
		query: "INSERT OR REPLACE INTO " + CatalogTable + " (key, value) VALUES (?, ?)",
		args:  []any{key, value},
		desc:  fmt.Sprintf("insert %s", key),
	}
}

// TxHandle is an open transaction against one data store. One handle
// is open per asset at a time; a single savepoint layer is supported.
type TxHandle struct {
	Path      string
	db        *sql.DB
	tx        *sql.Tx
	savepoint string
}

// Coordinator owns the transaction lifecycle for data-store mutation.
type Coordinator struct {
	// BusyRetryMax bounds the total time spent retrying a busy store
	// before the asset is failed.
	BusyRetryMax time.Duration

	log zerolog.Logger
}

// NewCoordinator returns a coordinator with the default busy-retry
// budget.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		BusyRetryMax: 5 * time.Second,
		log:          logging.GetLogger("store"),
	}
}

// Begin validates the asset and opens a transaction on it. The store
// must be writable and structurally intact.
func (c *Coordinator) Begin(ctx context.Context, path string) (*TxHandle, error) {
	if !IsWritable(path) {
		return nil, &TransactionError{Path: path, Err: errors.New("store is not writable")}
	}

	db, err := Open(path)
	if err != nil {
		return nil, &TransactionError{Path: path, Err: err}
	}

	if err := Probe(ctx, db); err != nil {
		_ = db.Close()
		return nil, &TransactionError{Path: path, Err: err}
	}

	var tx *sql.Tx
	err = c.retryBusy(ctx, path, func() error {
		var beginErr error
		tx, beginErr = db.BeginTx(ctx, nil)
		return beginErr
	})
	if err != nil {
		_ = db.Close()
		return nil, c.wrap(path, err)
	}

	c.log.Debug().Str("path", path).Msg("transaction opened")
	return &TxHandle{Path: path, db: db, tx: tx}, nil
}

// Savepoint establishes a named savepoint inside the transaction.
// Only one savepoint layer is supported; establishing a second
// replaces the first.
func (c *Coordinator) Savepoint(ctx context.Context, h *TxHandle, name string) error {
	if !isSavepointName(name) {
		return &TransactionError{Path: h.Path, Err: fmt.Errorf("invalid savepoint name %q", name)}
	}
	if _, err := h.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return c.wrap(h.Path, err)
	}
	h.savepoint = name
	return nil
}

// Execute runs one pre-declared statement and returns the number of
// rows affected. Busy errors are retried with bounded backoff.
func (c *Coordinator) Execute(ctx context.Context, h *TxHandle, stmt Statement) (int64, error) {
	var affected int64
	err := c.retryBusy(ctx, h.Path, func() error {
		res, execErr := h.tx.ExecContext(ctx, stmt.query, stmt.args...)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, c.wrap(h.Path, err)
	}
	return affected, nil
}

// QueryValue reads a key back inside the open transaction, so inserted
// identifiers can be verified before commit.
func (c *Coordinator) QueryValue(ctx context.Context, h *TxHandle, key string) (string, bool, error) {
	var value string
	err := h.tx.QueryRowContext(ctx,
		"SELECT value FROM "+CatalogTable+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, c.wrap(h.Path, err)
	}
	return value, true, nil
}

// Commit commits the transaction, compacts the store, and closes the
// connection.
func (c *Coordinator) Commit(ctx context.Context, h *TxHandle) error {
	if err := h.tx.Commit(); err != nil {
		_ = h.db.Close()
		return c.wrap(h.Path, err)
	}

	if err := Vacuum(ctx, h.db); err != nil {
		// The commit already succeeded; a failed compaction is not a
		// data-integrity problem.
		c.log.Warn().Str("path", h.Path).Err(err).Msg("vacuum failed after commit")
	}

	if err := h.db.Close(); err != nil {
		return c.wrap(h.Path, err)
	}
	c.log.Debug().Str("path", h.Path).Msg("transaction committed")
	return nil
}

// Rollback aborts the transaction and closes the connection. Safe to
// call after a failed Execute.
func (c *Coordinator) Rollback(h *TxHandle) error {
	rbErr := h.tx.Rollback()
	closeErr := h.db.Close()
	if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return c.wrap(h.Path, rbErr)
	}
	if closeErr != nil {
		return c.wrap(h.Path, closeErr)
	}
	c.log.Debug().Str("path", h.Path).Msg("transaction rolled back")
	return nil
}

// RollbackToSavepoint rewinds the transaction to the named savepoint
// without aborting it.
func (c *Coordinator) RollbackToSavepoint(ctx context.Context, h *TxHandle) error {
	if h.savepoint == "" {
		return &TransactionError{Path: h.Path, Err: errors.New("no savepoint established")}
	}
	if _, err := h.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+h.savepoint); err != nil {
		return c.wrap(h.Path, err)
	}
	return nil
}

// retryBusy runs op, retrying with exponential backoff while the store
// reports SQLITE_BUSY or SQLITE_LOCKED.
func (c *Coordinator) retryBusy(ctx context.Context, path string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = c.BusyRetryMax

	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			attempt++
			c.log.Debug().Str("path", path).Int("attempt", attempt).Msg("store busy, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func (c *Coordinator) wrap(path string, err error) error {
	var te *TransactionError
	if errors.As(err, &te) {
		return err
	}
	return &TransactionError{Path: path, Busy: isBusy(err), Err: err}
}

// isSavepointName accepts simple identifier-shaped savepoint names,
// since savepoint names cannot be bound as parameters.
func isSavepointName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
