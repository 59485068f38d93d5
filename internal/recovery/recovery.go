// Package recovery selectively restores backed-up configuration files
// after the data-store mutation has committed, so user settings survive
// the run.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/statewipe/statewipe/internal/backup"
	"github.com/statewipe/statewipe/internal/discovery"
	"github.com/statewipe/statewipe/internal/logging"
)

// Scope selects which backed-up files a restore touches.
type Scope string

const (
	ScopeConfigurations Scope = "configurations"
	ScopeExtensions     Scope = "extensions"
	ScopeSessions       Scope = "sessions"
	ScopeDatabases      Scope = "databases"
	ScopeAll            Scope = "all"
)

// ParseScope validates a scope string from the CLI or config file.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeConfigurations, ScopeExtensions, ScopeSessions, ScopeDatabases, ScopeAll:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown restore scope %q", s)
}

// configDocumentSchema is the minimal shape every restored JSON
// configuration document must satisfy: a top-level object.
const configDocumentSchema = `{"type": "object"}`

// Result reports a restore pass. Warnings carry per-file parse
// problems that did not abort the pass.
type Result struct {
	RestoredCount int
	Warnings      []string
}

// Restorer restores configuration files from a verified backup set.
type Restorer struct {
	Manager *backup.Manager

	log zerolog.Logger
}

// NewRestorer returns a restorer using the given backup manager.
func NewRestorer(m *backup.Manager) *Restorer {
	return &Restorer{
		Manager: m,
		log:     logging.GetLogger("recovery"),
	}
}

// Restore copies every in-scope record back over its source and checks
// restored JSON documents for structural well-formedness. Unverified
// records are refused; a malformed restored document is a warning, not
// a failure, because the risky mutation has already committed.
func (r *Restorer) Restore(manifest *backup.Manifest, scope Scope) (*Result, error) {
	result := &Result{}

	for _, rec := range manifest.Records {
		if !inScope(rec, scope) {
			continue
		}
		if rec.DryRun {
			// Nothing was copied; count it for reporting symmetry.
			result.RestoredCount++
			continue
		}
		if !rec.Verified {
			return result, fmt.Errorf("refusing to restore %s from unverified backup record", rec.SourcePath)
		}

		if err := r.Manager.Restore(rec); err != nil {
			return result, err
		}
		result.RestoredCount++

		if strings.HasSuffix(rec.SourcePath, ".json") {
			if err := checkWellFormed(rec.SourcePath); err != nil {
				r.log.Warn().Str("path", rec.SourcePath).Err(err).Msg("restored document is malformed")
				result.Warnings = append(result.Warnings, err.Error())
			}
		}
	}

	r.log.Info().
		Int("restored", result.RestoredCount).
		Int("warnings", len(result.Warnings)).
		Str("scope", string(scope)).
		Msg("configuration recovery complete")
	return result, nil
}

// inScope maps a backup record onto a restore scope.
func inScope(rec backup.Record, scope Scope) bool {
	if scope == ScopeAll {
		return true
	}

	name := filepath.Base(rec.SourcePath)
	switch scope {
	case ScopeConfigurations:
		return name == "settings.json" || name == "keybindings.json"
	case ScopeSessions:
		return name == "storage.json"
	case ScopeExtensions:
		return rec.Kind == discovery.KindConfigFile &&
			strings.Contains(rec.SourcePath, "extensions")
	case ScopeDatabases:
		return rec.Kind == discovery.KindDataStore
	}
	return false
}

// checkWellFormed confirms the restored text parses as the expected
// structured format.
func checkWellFormed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read restored file %s: %w", path, err)
	}

	schema := gojsonschema.NewStringLoader(configDocumentSchema)
	document := gojsonschema.NewBytesLoader(data)
	res, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return fmt.Errorf("restored file %s does not parse: %w", path, err)
	}
	if !res.Valid() {
		return fmt.Errorf("restored file %s is not a configuration document", path)
	}
	return nil
}
