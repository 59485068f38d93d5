// Package discovery locates editor data stores and configuration files
// under the platform's candidate roots and validates each candidate
// before any other phase may touch it.
package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statewipe/statewipe/internal/logging"
	"github.com/statewipe/statewipe/internal/platform"
	"github.com/statewipe/statewipe/internal/store"
)

// AssetKind classifies a discovered filesystem entry.
type AssetKind string

const (
	KindDataStore  AssetKind = "data_store"
	KindConfigFile AssetKind = "config_file"
	KindPathRoot   AssetKind = "path_root"
)

// DataStoreExt is the file extension of the editor's embedded stores.
const DataStoreExt = ".vscdb"

// configFileNames are the per-user configuration documents backed up
// alongside the data stores and eligible for selective restore.
var configFileNames = map[string]bool{
	"settings.json":    true,
	"keybindings.json": true,
	"storage.json":     true,
}

// DiscoveredAsset is one catalog entry. Record counts are filled for
// data stores during discovery and annotated with post-clean counts
// during the database phase; the record is read-only afterward.
type DiscoveredAsset struct {
	ID                string    `json:"id"`
	Kind              AssetKind `json:"kind"`
	Path              string    `json:"path"`
	TotalRecordCount  int       `json:"total_record_count"`
	TargetRecordCount int       `json:"target_record_count"`
	Valid             bool      `json:"valid"`

	// Annotated during the database phase.
	DeletedRecordCount   int `json:"deleted_record_count"`
	RemainingTargetCount int `json:"remaining_target_count"`
}

// Catalog is the output of a discovery run.
type Catalog struct {
	Assets   []DiscoveredAsset
	Warnings []string
}

// DataStores returns the valid data-store assets from the catalog.
func (c *Catalog) DataStores() []*DiscoveredAsset {
	var out []*DiscoveredAsset
	for i := range c.Assets {
		if c.Assets[i].Kind == KindDataStore && c.Assets[i].Valid {
			out = append(out, &c.Assets[i])
		}
	}
	return out
}

// ConfigFiles returns the valid configuration-file assets.
func (c *Catalog) ConfigFiles() []*DiscoveredAsset {
	var out []*DiscoveredAsset
	for i := range c.Assets {
		if c.Assets[i].Kind == KindConfigFile && c.Assets[i].Valid {
			out = append(out, &c.Assets[i])
		}
	}
	return out
}

// Error is a fatal discovery failure. It always aborts the run before
// any mutation has happened.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery failed: %s: %v", e.Reason, e.Err)
	}
	return "discovery failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Engine walks candidate roots and probes what it finds.
type Engine struct {
	// Roots overrides platform resolution, for tests and for targeting
	// a portable editor installation.
	Roots []string

	// Patterns is the target-record catalog used for match counting.
	Patterns []string

	log zerolog.Logger
}

// NewEngine returns an engine using the host platform's roots.
func NewEngine(patterns []string) *Engine {
	return &Engine{
		Patterns: patterns,
		log:      logging.GetLogger("discovery"),
	}
}

// Discover resolves roots, probes the environment, and catalogs every
// data store and config file found. Individual probe failures mark the
// asset invalid without aborting; finding zero valid data stores is
// fatal.
func (e *Engine) Discover(ctx context.Context) (*Catalog, error) {
	roots := e.Roots
	if roots == nil {
		resolved, err := platform.Roots()
		if err != nil {
			return nil, &Error{Reason: "cannot resolve platform roots", Err: err}
		}
		roots = resolved
	}

	catalog := &Catalog{}
	if err := e.probeEnvironment(); err != nil {
		return nil, err
	}

	for _, root := range roots {
		catalog.Assets = append(catalog.Assets, DiscoveredAsset{
			ID:    uuid.NewString(),
			Kind:  KindPathRoot,
			Path:  root,
			Valid: true,
		})
		if err := e.walkRoot(ctx, root, catalog); err != nil {
			return nil, err
		}
	}

	if len(catalog.DataStores()) == 0 {
		return nil, &Error{Reason: "no valid data stores found under any candidate root"}
	}

	e.log.Info().
		Int("assets", len(catalog.Assets)).
		Int("data_stores", len(catalog.DataStores())).
		Int("warnings", len(catalog.Warnings)).
		Msg("discovery complete")
	return catalog, nil
}

func (e *Engine) walkRoot(ctx context.Context, root string, catalog *Catalog) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are a warning, not a failure.
			catalog.Warnings = append(catalog.Warnings, fmt.Sprintf("cannot read %s: %v", path, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		switch {
		case strings.HasSuffix(d.Name(), DataStoreExt):
			catalog.Assets = append(catalog.Assets, e.probeDataStore(ctx, path))
		case configFileNames[d.Name()]:
			catalog.Assets = append(catalog.Assets, e.probeConfigFile(path))
		}
		return nil
	})
}

// probeDataStore opens the candidate read-only and runs the structural
// probe. Probe failures mark the asset invalid; partial discovery is
// acceptable.
func (e *Engine) probeDataStore(ctx context.Context, path string) DiscoveredAsset {
	asset := DiscoveredAsset{
		ID:   uuid.NewString(),
		Kind: KindDataStore,
		Path: path,
	}

	db, err := store.OpenReadOnly(path)
	if err != nil {
		e.log.Warn().Str("path", path).Err(err).Msg("cannot open candidate store")
		return asset
	}
	defer func() { _ = db.Close() }()

	if err := store.Probe(ctx, db); err != nil {
		e.log.Warn().Str("path", path).Err(err).Msg("candidate store failed structural probe")
		return asset
	}

	total, err := store.CountRows(ctx, db)
	if err != nil {
		e.log.Warn().Str("path", path).Err(err).Msg("cannot count store rows")
		return asset
	}

	target, err := store.CountMatching(ctx, db, e.Patterns)
	if err != nil {
		e.log.Warn().Str("path", path).Err(err).Msg("cannot count target rows")
		return asset
	}

	asset.TotalRecordCount = total
	asset.TargetRecordCount = target
	asset.Valid = true
	e.log.Debug().
		Str("path", path).
		Int("total", total).
		Int("target", target).
		Msg("data store discovered")
	return asset
}

func (e *Engine) probeConfigFile(path string) DiscoveredAsset {
	asset := DiscoveredAsset{
		ID:   uuid.NewString(),
		Kind: KindConfigFile,
		Path: path,
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return asset
	}
	asset.Valid = true
	return asset
}

// probeEnvironment checks the required capabilities. The embedded
// SQLite driver is the only hard requirement; optional problems
// (unreadable subtrees, invalid stores, an open editor) surface as
// per-asset warnings elsewhere.
func (e *Engine) probeEnvironment() error {
	if !driverRegistered("sqlite") {
		return &Error{Reason: "required sqlite driver is not registered"}
	}
	return nil
}

// EditorLikelyRunning reports whether a data store has an active WAL
// sidecar, which usually means the editor still has it open.
func EditorLikelyRunning(storePath string) bool {
	_, err := os.Stat(storePath + "-wal")
	return err == nil
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}
