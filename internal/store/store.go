// Package store wraps all access to the editor's embedded SQLite data
// stores. Every store holds a single catalog table, ItemTable(key,
// value), and statewipe only ever reads it, deletes rows matching the
// fixed pattern catalog, or inserts replacement identifiers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	sqlite "modernc.org/sqlite"
)

// CatalogTable is the one key/value table holding all editor state
// inside a data store.
const CatalogTable = "ItemTable"

// Open opens a data store read-write.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store %s: %w", path, err)
	}
	return db, nil
}

// OpenReadOnly opens a data store without write access, for probing
// and validation.
func OpenReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store %s read-only: %w", path, err)
	}
	return db, nil
}

// Probe checks that the file is a readable SQLite database containing
// the catalog table.
func Probe(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("not a readable database: %w", err)
	}

	var name string
	err := db.QueryRowContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table' AND name = ?
	`, CatalogTable).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("catalog table %s not found", CatalogTable)
	}
	if err != nil {
		return fmt.Errorf("failed to read database metadata: %w", err)
	}
	return nil
}

// CountRows returns the total number of rows in the catalog table.
func CountRows(ctx context.Context, db *sql.DB) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+CatalogTable).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// CountMatching returns the number of rows whose key or value matches
// at least one of the given LIKE patterns. A row matching several
// patterns is counted once.
func CountMatching(ctx context.Context, db *sql.DB, patterns []string) (int, error) {
	if len(patterns) == 0 {
		return 0, nil
	}

	conds := make([]string, 0, len(patterns))
	args := make([]any, 0, 2*len(patterns))
	for _, pattern := range patterns {
		conds = append(conds, "key LIKE ? OR value LIKE ?")
		args = append(args, pattern, pattern)
	}

	var count int
	query := "SELECT COUNT(*) FROM " + CatalogTable + " WHERE " + strings.Join(conds, " OR ")
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count matching rows: %w", err)
	}
	return count, nil
}

// GetValue reads a single key from the catalog table. The second
// return value reports whether the key exists.
func GetValue(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx,
		"SELECT value FROM "+CatalogTable+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, true, nil
}

// Vacuum compacts the store after deletions. Must run outside any
// transaction.
func Vacuum(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

// IsWritable reports whether the file at path can be opened for
// writing by the current process.
func IsWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// SQLite primary result codes for contended access.
const (
	codeBusy   = 5
	codeLocked = 6
)

// isBusy reports whether err indicates the store is locked by another
// process (typically the editor itself still running).
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == codeBusy || code == codeLocked
	}
	return false
}
