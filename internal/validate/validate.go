// Package validate re-scans every asset after mutation and scores how
// completely the target records were removed.
package validate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/statewipe/statewipe/internal/backup"
	"github.com/statewipe/statewipe/internal/discovery"
	"github.com/statewipe/statewipe/internal/identity"
	"github.com/statewipe/statewipe/internal/logging"
	"github.com/statewipe/statewipe/internal/store"
)

// Outcome is the validation phase result. Nothing here triggers a
// rollback; the data is already committed and backed up.
type Outcome struct {
	OriginalTargetRecords  int
	RemainingTargetRecords int
	IdentifiersVerified    bool
	BackupsIntact          bool
	EffectivenessScore     int
	Warnings               []string
}

// Validator re-runs the discovery-time probes post-mutation.
type Validator struct {
	Patterns []string
	Manager  *backup.Manager

	log zerolog.Logger
}

// NewValidator returns a validator for the given pattern catalog and
// backup manager.
func NewValidator(patterns []string, m *backup.Manager) *Validator {
	return &Validator{
		Patterns: patterns,
		Manager:  m,
		log:      logging.GetLogger("validate"),
	}
}

// Validate re-probes every data store for remaining target records,
// confirms the generated identifiers are stored exactly, and
// re-verifies every backup record. Problems degrade the outcome and
// are recorded as warnings; they never abort the run.
func (v *Validator) Validate(ctx context.Context, catalog *discovery.Catalog, manifest *backup.Manifest, ids *identity.Set) *Outcome {
	outcome := &Outcome{
		IdentifiersVerified: true,
		BackupsIntact:       true,
	}

	for _, asset := range catalog.DataStores() {
		outcome.OriginalTargetRecords += asset.TargetRecordCount

		db, err := store.OpenReadOnly(asset.Path)
		if err != nil {
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("cannot re-open %s: %v", asset.Path, err))
			outcome.RemainingTargetRecords += asset.TargetRecordCount
			outcome.IdentifiersVerified = false
			continue
		}

		remaining, err := store.CountMatching(ctx, db, v.Patterns)
		if err != nil {
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("cannot re-count %s: %v", asset.Path, err))
			remaining = asset.TargetRecordCount
		}
		outcome.RemainingTargetRecords += remaining
		asset.RemainingTargetCount = remaining

		for label, want := range ids.Labels() {
			got, ok, err := store.GetValue(ctx, db, label)
			if err != nil {
				outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("cannot read %s from %s: %v", label, asset.Path, err))
				outcome.IdentifiersVerified = false
				continue
			}
			if !ok || got != want {
				outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("identifier %s missing or stale in %s", label, asset.Path))
				outcome.IdentifiersVerified = false
			}
		}

		_ = db.Close()
	}

	for _, rec := range manifest.Records {
		if err := v.Manager.Reverify(rec); err != nil {
			outcome.Warnings = append(outcome.Warnings, err.Error())
			outcome.BackupsIntact = false
		}
	}

	outcome.EffectivenessScore = score(outcome.OriginalTargetRecords, outcome.RemainingTargetRecords)

	v.log.Info().
		Int("original", outcome.OriginalTargetRecords).
		Int("remaining", outcome.RemainingTargetRecords).
		Int("score", outcome.EffectivenessScore).
		Bool("identifiers_ok", outcome.IdentifiersVerified).
		Bool("backups_ok", outcome.BackupsIntact).
		Msg("validation complete")
	return outcome
}

// score maps remaining/original onto [0,100]; 100 when nothing
// remains.
func score(original, remaining int) int {
	if original <= 0 {
		return 100
	}
	if remaining <= 0 {
		return 100
	}
	if remaining >= original {
		return 0
	}
	return 100 - remaining*100/original
}
