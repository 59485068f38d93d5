package recovery

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/statewipe/statewipe/internal/backup"
	"github.com/statewipe/statewipe/internal/discovery"
)

func backedUpConfig(t *testing.T, name, content string) (*backup.Manager, *backup.Manifest, string) {
	t.Helper()

	srcDir := t.TempDir()
	path := filepath.Join(srcDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	asset := discovery.DiscoveredAsset{
		ID:    "cfg-1",
		Kind:  discovery.KindConfigFile,
		Path:  path,
		Valid: true,
	}

	manager := backup.NewManager(t.TempDir(), false)
	manifest, err := manager.Backup(context.Background(), []discovery.DiscoveredAsset{asset})
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	return manager, manifest, path
}

func TestRestoreConfigurations(t *testing.T) {
	original := `{"editor.fontSize": 14}`
	manager, manifest, path := backedUpConfig(t, "settings.json", original)

	if err := os.WriteFile(path, []byte(`{"editor.fontSize": 99}`), 0o644); err != nil {
		t.Fatalf("Failed to mutate fixture: %v", err)
	}

	restorer := NewRestorer(manager)
	result, err := restorer.Restore(manifest, ScopeConfigurations)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.RestoredCount != 1 {
		t.Errorf("RestoredCount = %d; want 1", result.RestoredCount)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Unexpected warnings: %v", result.Warnings)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read restored file: %v", err)
	}
	if !bytes.Equal(got, []byte(original)) {
		t.Errorf("Restored content = %q; want %q", got, original)
	}
}

func TestRestoreOutOfScope(t *testing.T) {
	manager, manifest, path := backedUpConfig(t, "settings.json", `{"a": 1}`)

	mutated := `{"a": 2}`
	if err := os.WriteFile(path, []byte(mutated), 0o644); err != nil {
		t.Fatalf("Failed to mutate fixture: %v", err)
	}

	restorer := NewRestorer(manager)
	result, err := restorer.Restore(manifest, ScopeSessions)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.RestoredCount != 0 {
		t.Errorf("RestoredCount = %d; want 0", result.RestoredCount)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(got) != mutated {
		t.Error("An out-of-scope file was touched")
	}
}

func TestRestoreRefusesUnverified(t *testing.T) {
	manager, manifest, _ := backedUpConfig(t, "settings.json", `{"a": 1}`)
	manifest.Records[0].Verified = false

	restorer := NewRestorer(manager)
	if _, err := restorer.Restore(manifest, ScopeAll); err == nil {
		t.Error("Expected restore of an unverified record to fail")
	}
}

func TestRestoreWarnsOnMalformedDocument(t *testing.T) {
	// An array parses as JSON but is not a configuration document.
	manager, manifest, _ := backedUpConfig(t, "settings.json", `[1, 2, 3]`)

	restorer := NewRestorer(manager)
	result, err := restorer.Restore(manifest, ScopeConfigurations)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.RestoredCount != 1 {
		t.Errorf("RestoredCount = %d; want 1", result.RestoredCount)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Expected 1 malformed-document warning, got %v", result.Warnings)
	}
}

func TestParseScope(t *testing.T) {
	for _, s := range []string{"configurations", "extensions", "sessions", "databases", "all"} {
		if _, err := ParseScope(s); err != nil {
			t.Errorf("ParseScope(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseScope("everything"); err == nil {
		t.Error("Expected error for an unknown scope")
	}
}

func TestInScope(t *testing.T) {
	settings := backup.Record{Kind: discovery.KindConfigFile, SourcePath: "/u/settings.json"}
	keybindings := backup.Record{Kind: discovery.KindConfigFile, SourcePath: "/u/keybindings.json"}
	storage := backup.Record{Kind: discovery.KindConfigFile, SourcePath: "/u/storage.json"}
	extension := backup.Record{Kind: discovery.KindConfigFile, SourcePath: "/u/extensions/settings.json"}
	dataStore := backup.Record{Kind: discovery.KindDataStore, SourcePath: "/u/state.vscdb"}

	tests := []struct {
		rec   backup.Record
		scope Scope
		want  bool
	}{
		{settings, ScopeConfigurations, true},
		{keybindings, ScopeConfigurations, true},
		{storage, ScopeConfigurations, false},
		{storage, ScopeSessions, true},
		{extension, ScopeExtensions, true},
		{settings, ScopeExtensions, false},
		{dataStore, ScopeDatabases, true},
		{settings, ScopeDatabases, false},
		{dataStore, ScopeAll, true},
		{settings, ScopeAll, true},
	}
	for _, tt := range tests {
		if got := inScope(tt.rec, tt.scope); got != tt.want {
			t.Errorf("inScope(%s, %s) = %v; want %v", tt.rec.SourcePath, tt.scope, got, tt.want)
		}
	}
}
