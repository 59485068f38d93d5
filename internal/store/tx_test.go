package store

import (
	"context"
	"errors"
	"testing"
)

func countAll(t *testing.T, path string) int {
	t.Helper()
	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	count, err := CountRows(context.Background(), db)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	return count
}

func TestDeleteByPatternCommit(t *testing.T) {
	path := seedStore(t, map[string]string{
		"augment.state": "cached",
		"editor.theme":  "dark",
	})

	ctx := context.Background()
	coord := NewCoordinator()

	h, err := coord.Begin(ctx, path)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	affected, err := coord.Execute(ctx, h, DeleteByPattern("%augment%"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if affected != 1 {
		t.Errorf("Execute affected %d rows; want 1", affected)
	}

	if err := coord.Commit(ctx, h); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got := countAll(t, path); got != 1 {
		t.Errorf("Rows after commit = %d; want 1", got)
	}
}

func TestRollbackDiscardsDeletes(t *testing.T) {
	path := seedStore(t, map[string]string{
		"augment.state": "cached",
		"editor.theme":  "dark",
	})

	ctx := context.Background()
	coord := NewCoordinator()

	h, err := coord.Begin(ctx, path)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := coord.Execute(ctx, h, DeleteByPattern("%augment%")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := coord.Rollback(h); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if got := countAll(t, path); got != 2 {
		t.Errorf("Rows after rollback = %d; want 2", got)
	}
}

func TestRollbackToSavepoint(t *testing.T) {
	path := seedStore(t, map[string]string{
		"augment.state": "cached",
		"editor.theme":  "dark",
	})

	ctx := context.Background()
	coord := NewCoordinator()

	h, err := coord.Begin(ctx, path)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := coord.Savepoint(ctx, h, "clean_point"); err != nil {
		t.Fatalf("Savepoint failed: %v", err)
	}

	if _, err := coord.Execute(ctx, h, DeleteByPattern("%augment%")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := coord.RollbackToSavepoint(ctx, h); err != nil {
		t.Fatalf("RollbackToSavepoint failed: %v", err)
	}
	if err := coord.Commit(ctx, h); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// The delete was rewound inside the transaction.
	if got := countAll(t, path); got != 2 {
		t.Errorf("Rows after savepoint rewind = %d; want 2", got)
	}
}

func TestRollbackToSavepointWithoutSavepoint(t *testing.T) {
	path := seedStore(t, map[string]string{"alpha": "1"})

	ctx := context.Background()
	coord := NewCoordinator()

	h, err := coord.Begin(ctx, path)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer func() { _ = coord.Rollback(h) }()

	if err := coord.RollbackToSavepoint(ctx, h); err == nil {
		t.Error("Expected error when no savepoint was established")
	}
}

func TestInsertKeyValueIdempotent(t *testing.T) {
	path := seedStore(t, nil)

	ctx := context.Background()
	coord := NewCoordinator()

	h, err := coord.Begin(ctx, path)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// Inserting the same key twice replaces instead of failing, so a
	// re-run over an already-cleaned store stays safe.
	for _, value := range []string{"first", "second"} {
		if _, err := coord.Execute(ctx, h, InsertKeyValue("telemetry.machineId", value)); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	stored, ok, err := coord.QueryValue(ctx, h, "telemetry.machineId")
	if err != nil {
		t.Fatalf("QueryValue failed: %v", err)
	}
	if !ok || stored != "second" {
		t.Errorf("QueryValue = (%q, %v); want (\"second\", true)", stored, ok)
	}

	if err := coord.Commit(ctx, h); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got := countAll(t, path); got != 1 {
		t.Errorf("Rows after idempotent insert = %d; want 1", got)
	}
}

func TestBeginMissingStore(t *testing.T) {
	coord := NewCoordinator()
	_, err := coord.Begin(context.Background(), "/nonexistent/state.vscdb")
	if err == nil {
		t.Fatal("Expected Begin to fail for a missing store")
	}

	var te *TransactionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected *TransactionError, got %T", err)
	}
	if te.Busy {
		t.Error("A missing store must not be reported as busy")
	}
}

func TestSavepointNameValidation(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"statewipe_clean", true},
		{"sp1", true},
		{"", false},
		{"bad name", false},
		{"x; DROP TABLE ItemTable", false},
	}
	for _, tt := range tests {
		if got := isSavepointName(tt.name); got != tt.want {
			t.Errorf("isSavepointName(%q) = %v; want %v", tt.name, got, tt.want)
		}
	}
}

func TestStatementDescription(t *testing.T) {
	if desc := DeleteByPattern("%augment%").Description(); desc == "" {
		t.Error("DeleteByPattern produced an empty description")
	}
	if desc := InsertKeyValue("k", "v").Description(); desc == "" {
		t.Error("InsertKeyValue produced an empty description")
	}
}
