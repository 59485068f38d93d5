// Package backup creates and verifies byte-exact copies of discovered
// assets before any mutation is allowed, and restores from them when a
// later phase fails.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statewipe/statewipe/internal/discovery"
	"github.com/statewipe/statewipe/internal/logging"
	"github.com/statewipe/statewipe/internal/store"
)

// ManifestFile is the manifest filename inside a backup set directory.
const ManifestFile = "manifest.json"

// Record describes one backed-up asset. A record is never mutated once
// Verified is true.
type Record struct {
	BackupID   string              `json:"backup_id"`
	AssetID    string              `json:"asset_id"`
	Kind       discovery.AssetKind `json:"kind"`
	SourcePath string              `json:"source_path"`
	BackupPath string              `json:"backup_path"`
	SizeBytes  int64               `json:"size_bytes"`
	SHA256     string              `json:"sha256"`
	CreatedAt  time.Time           `json:"created_at"`
	Verified   bool                `json:"verified"`
	DryRun     bool                `json:"dry_run"`
}

// Manifest is the aggregate JSON document written next to the copies.
type Manifest struct {
	BackupID      string    `json:"backup_id"`
	Timestamp     time.Time `json:"timestamp"`
	BackupType    string    `json:"backup_type"`
	Description   string    `json:"description"`
	Platform      string    `json:"platform"`
	FilesBackedUp int       `json:"files_backed_up"`
	Verified      bool      `json:"verified"`
	Records       []Record  `json:"records"`
}

// VerificationError is a fatal mismatch between a source and its copy.
// Backups must be trustworthy before any mutation is allowed.
type VerificationError struct {
	Path   string
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("backup verification failed for %s: %s", e.Path, e.Reason)
}

// Manager copies assets into a per-execution set directory under Root.
type Manager struct {
	Root   string
	DryRun bool

	log zerolog.Logger
}

// NewManager returns a manager writing below the given backup root.
func NewManager(root string, dryRun bool) *Manager {
	return &Manager{
		Root:   root,
		DryRun: dryRun,
		log:    logging.GetLogger("backup"),
	}
}

// Backup copies every asset, verifies each copy, and writes the
// manifest. In dry-run mode no file is touched but records are still
// emitted so downstream reporting stays uniform.
func (m *Manager) Backup(ctx context.Context, assets []discovery.DiscoveredAsset) (*Manifest, error) {
	manifest := &Manifest{
		BackupID:    uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		BackupType:  "pre-clean",
		Description: "statewipe pre-mutation backup",
		Platform:    runtime.GOOS,
	}

	setDir := filepath.Join(m.Root, manifest.BackupID)
	if !m.DryRun {
		if err := os.MkdirAll(setDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}

	for _, asset := range assets {
		if asset.Kind == discovery.KindPathRoot || !asset.Valid {
			continue
		}

		rec, err := m.backupOne(ctx, setDir, asset)
		if err != nil {
			return nil, err
		}
		manifest.Records = append(manifest.Records, rec)
	}

	manifest.FilesBackedUp = len(manifest.Records)
	manifest.Verified = !m.DryRun

	if !m.DryRun {
		if err := m.writeManifest(setDir, manifest); err != nil {
			return nil, err
		}
	}

	m.log.Info().
		Str("backup_id", manifest.BackupID).
		Int("files", manifest.FilesBackedUp).
		Bool("dry_run", m.DryRun).
		Msg("backup set complete")
	return manifest, nil
}

func (m *Manager) backupOne(ctx context.Context, setDir string, asset discovery.DiscoveredAsset) (Record, error) {
	rec := Record{
		BackupID:   uuid.NewString(),
		AssetID:    asset.ID,
		Kind:       asset.Kind,
		SourcePath: asset.Path,
		CreatedAt:  time.Now().UTC(),
		DryRun:     m.DryRun,
	}

	if m.DryRun {
		if info, err := os.Stat(asset.Path); err == nil {
			rec.SizeBytes = info.Size()
		}
		return rec, nil
	}

	rec.BackupPath = filepath.Join(setDir, backupFileName(asset.Path))
	size, sum, err := copyFile(asset.Path, rec.BackupPath)
	if err != nil {
		return rec, fmt.Errorf("failed to back up %s: %w", asset.Path, err)
	}
	rec.SizeBytes = size
	rec.SHA256 = sum

	if err := m.verifyCopy(ctx, asset, &rec); err != nil {
		return rec, err
	}
	rec.Verified = true

	m.log.Debug().
		Str("source", rec.SourcePath).
		Str("backup", rec.BackupPath).
		Int64("bytes", rec.SizeBytes).
		Msg("asset backed up")
	return rec, nil
}

// verifyCopy re-reads the copy and compares size and content hash
// against the source. Data stores additionally get a table-level
// consistency check: the copy must probe clean and hold the same row
// count as the source did at copy time.
func (m *Manager) verifyCopy(ctx context.Context, asset discovery.DiscoveredAsset, rec *Record) error {
	srcInfo, err := os.Stat(rec.SourcePath)
	if err != nil {
		return &VerificationError{Path: rec.SourcePath, Reason: err.Error()}
	}
	dstInfo, err := os.Stat(rec.BackupPath)
	if err != nil {
		return &VerificationError{Path: rec.BackupPath, Reason: err.Error()}
	}
	if srcInfo.Size() != dstInfo.Size() {
		return &VerificationError{
			Path:   rec.SourcePath,
			Reason: fmt.Sprintf("size mismatch: source %d, copy %d", srcInfo.Size(), dstInfo.Size()),
		}
	}

	copySum, err := hashFile(rec.BackupPath)
	if err != nil {
		return &VerificationError{Path: rec.BackupPath, Reason: err.Error()}
	}
	if copySum != rec.SHA256 {
		return &VerificationError{Path: rec.SourcePath, Reason: "content hash mismatch"}
	}

	if asset.Kind == discovery.KindDataStore {
		db, err := store.OpenReadOnly(rec.BackupPath)
		if err != nil {
			return &VerificationError{Path: rec.BackupPath, Reason: err.Error()}
		}
		defer func() { _ = db.Close() }()

		if err := store.Probe(ctx, db); err != nil {
			return &VerificationError{Path: rec.BackupPath, Reason: "copy failed structural probe: " + err.Error()}
		}
		count, err := store.CountRows(ctx, db)
		if err != nil {
			return &VerificationError{Path: rec.BackupPath, Reason: err.Error()}
		}
		if count != asset.TotalRecordCount {
			return &VerificationError{
				Path:   rec.BackupPath,
				Reason: fmt.Sprintf("row count mismatch: source %d, copy %d", asset.TotalRecordCount, count),
			}
		}
	}

	return nil
}

// Restore copies a backed-up asset over its source path. Restoring
// from an unverified record is refused.
func (m *Manager) Restore(rec Record) error {
	if !rec.Verified {
		return fmt.Errorf("refusing to restore %s from unverified backup", rec.SourcePath)
	}

	if _, _, err := copyFile(rec.BackupPath, rec.SourcePath); err != nil {
		return fmt.Errorf("failed to restore %s: %w", rec.SourcePath, err)
	}
	m.log.Info().Str("path", rec.SourcePath).Msg("restored from backup")
	return nil
}

// Reverify re-reads the copy and checks it still matches the recorded
// size and hash; used by the validation phase.
func (m *Manager) Reverify(rec Record) error {
	if rec.DryRun {
		return nil
	}
	info, err := os.Stat(rec.BackupPath)
	if err != nil {
		return &VerificationError{Path: rec.BackupPath, Reason: err.Error()}
	}
	if info.Size() != rec.SizeBytes {
		return &VerificationError{Path: rec.BackupPath, Reason: "backup size changed"}
	}
	sum, err := hashFile(rec.BackupPath)
	if err != nil {
		return &VerificationError{Path: rec.BackupPath, Reason: err.Error()}
	}
	if sum != rec.SHA256 {
		return &VerificationError{Path: rec.BackupPath, Reason: "backup content changed"}
	}
	return nil
}

func (m *Manager) writeManifest(setDir string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	// Write atomically (write to temp file, then rename)
	path := filepath.Join(setDir, ManifestFile)
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by a previous execution.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// backupFileName flattens an asset path into a unique file name inside
// the set directory.
func backupFileName(sourcePath string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(sourcePath)
	name = strings.TrimLeft(name, "_")
	return name + ".bak"
}

func copyFile(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), in)
	if err != nil {
		_ = out.Close()
		return 0, "", err
	}
	if err := out.Close(); err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
