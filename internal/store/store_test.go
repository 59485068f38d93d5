package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

// seedStore creates a catalog store on disk with the given rows.
func seedStore(t *testing.T, rows map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state.vscdb")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec("CREATE TABLE " + CatalogTable + " (key TEXT PRIMARY KEY, value TEXT)"); err != nil {
		t.Fatalf("Failed to create catalog table: %v", err)
	}
	for key, value := range rows {
		if _, err := db.Exec("INSERT INTO "+CatalogTable+" (key, value) VALUES (?, ?)", key, value); err != nil {
			t.Fatalf("Failed to seed row %q: %v", key, err)
		}
	}
	return path
}

func TestProbe(t *testing.T) {
	path := seedStore(t, map[string]string{"alpha": "1"})

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := Probe(context.Background(), db); err != nil {
		t.Errorf("Probe on a valid store failed: %v", err)
	}
}

func TestProbeMissingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.vscdb")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if _, err := db.Exec("CREATE TABLE other (id INTEGER)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := Probe(context.Background(), db); err == nil {
		t.Error("Expected probe failure for a store without the catalog table")
	}
}

func TestCountRowsAndMatching(t *testing.T) {
	path := seedStore(t, map[string]string{
		"augment.state":  "cached",
		"editor.theme":   "dark",
		"session.window": "augment panel",
	})

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	total, err := CountRows(ctx, db)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if total != 3 {
		t.Errorf("CountRows = %d; want 3", total)
	}

	// Matches by key and by value.
	matching, err := CountMatching(ctx, db, []string{"%augment%"})
	if err != nil {
		t.Fatalf("CountMatching failed: %v", err)
	}
	if matching != 2 {
		t.Errorf("CountMatching = %d; want 2", matching)
	}

	none, err := CountMatching(ctx, db, []string{"%absent%"})
	if err != nil {
		t.Fatalf("CountMatching failed: %v", err)
	}
	if none != 0 {
		t.Errorf("CountMatching for absent pattern = %d; want 0", none)
	}
}

func TestCountMatchingOverlappingPatterns(t *testing.T) {
	path := seedStore(t, map[string]string{
		"augmentTelemetryId": "track-me",
		"Augment.cache":      "stale",
		"editor.theme":       "dark",
	})

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	// LIKE is ASCII-case-insensitive, so all three variants select the
	// same two rows; each row must still be counted once.
	matching, err := CountMatching(ctx, db, []string{"%augment%", "%Augment%", "%AUGMENT%"})
	if err != nil {
		t.Fatalf("CountMatching failed: %v", err)
	}
	if matching != 2 {
		t.Errorf("CountMatching = %d; want 2", matching)
	}

	empty, err := CountMatching(ctx, db, nil)
	if err != nil {
		t.Fatalf("CountMatching failed: %v", err)
	}
	if empty != 0 {
		t.Errorf("CountMatching with no patterns = %d; want 0", empty)
	}
}

func TestGetValue(t *testing.T) {
	path := seedStore(t, map[string]string{"alpha": "1"})

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	value, ok, err := GetValue(ctx, db, "alpha")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if !ok || value != "1" {
		t.Errorf("GetValue = (%q, %v); want (\"1\", true)", value, ok)
	}

	_, ok, err = GetValue(ctx, db, "missing")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if ok {
		t.Error("GetValue reported a missing key as present")
	}
}

func TestIsWritableMissingFile(t *testing.T) {
	if IsWritable(filepath.Join(t.TempDir(), "does-not-exist.vscdb")) {
		t.Error("IsWritable = true for a missing file")
	}
}

func TestVacuum(t *testing.T) {
	path := seedStore(t, map[string]string{"alpha": "1"})

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := Vacuum(context.Background(), db); err != nil {
		t.Errorf("Vacuum failed: %v", err)
	}
}
