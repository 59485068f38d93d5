// Package pipeline sequences the six-phase clean: discovery, backup,
// database mutation, identifier transform, configuration recovery, and
// validation, with rollback-and-restore on failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/statewipe/statewipe/internal/backup"
	"github.com/statewipe/statewipe/internal/config"
	"github.com/statewipe/statewipe/internal/discovery"
	"github.com/statewipe/statewipe/internal/identity"
	"github.com/statewipe/statewipe/internal/logging"
	"github.com/statewipe/statewipe/internal/recovery"
	"github.com/statewipe/statewipe/internal/report"
	"github.com/statewipe/statewipe/internal/store"
	"github.com/statewipe/statewipe/internal/validate"
)

// assetWorkers bounds per-asset parallelism in the database and
// transform phases. Each asset's transaction stays confined to one
// worker.
const assetWorkers = 4

// LockFile serializes executions against the same backup root.
const LockFile = ".statewipe.lock"

// Options configure a single execution.
type Options struct {
	DryRun     bool
	SkipBackup bool
	Force      bool

	// BackupDir is the backup root. Required for live runs.
	BackupDir string

	// ReportDir overrides where progress and report documents land.
	// Defaults to the user state directory, outside the backup root,
	// so dry runs stay side-effect-free where it matters.
	ReportDir string

	// RestoreScope selects which configuration files the recovery
	// phase puts back. Data stores are never restored by the pipeline.
	RestoreScope recovery.Scope

	// Roots overrides platform path resolution.
	Roots []string
}

// Pipeline is the master orchestrator. One Pipeline runs one
// execution; instances are not reused.
type Pipeline struct {
	cfg  *config.Config
	opts Options

	state    *ExecutionState
	writer   *report.Writer
	engine   *discovery.Engine
	manager  *backup.Manager
	coord    *store.Coordinator
	catalog   *discovery.Catalog
	manifest  *backup.Manifest
	ids       *identity.Set
	transform *identity.Result
	outcome   *validate.Outcome

	mu       sync.Mutex
	open     map[string]*store.TxHandle // asset ID -> open transaction
	assetErr map[string]error
	warnings []string
	failures []string

	log zerolog.Logger
}

// New builds a pipeline from configuration and options.
func New(cfg *config.Config, opts Options) *Pipeline {
	if opts.RestoreScope == "" {
		opts.RestoreScope = recovery.ScopeConfigurations
	}
	return &Pipeline{
		cfg:      cfg,
		opts:     opts,
		state:    NewExecutionState(),
		engine:   discovery.NewEngine(cfg.CleaningPatterns()),
		coord:    store.NewCoordinator(),
		open:     map[string]*store.TxHandle{},
		assetErr: map[string]error{},
		log:      logging.GetLogger("pipeline"),
	}
}

// State exposes the execution state for reporting and tests.
func (p *Pipeline) State() *ExecutionState { return p.state }

// Run executes the full pipeline. The returned state is terminal; a
// non-nil error means the run failed (after rollback and restore where
// applicable). A report and progress document exist on disk either
// way.
func (p *Pipeline) Run(ctx context.Context) (*ExecutionState, error) {
	if p.opts.SkipBackup && !p.opts.Force {
		return p.state, fmt.Errorf("--skip-backup removes the rollback safety net; pass --force to confirm")
	}
	if p.opts.Roots != nil {
		p.engine.Roots = p.opts.Roots
	}

	reportDir := p.opts.ReportDir
	if reportDir == "" {
		reportDir = filepath.Join(xdg.StateHome, "statewipe", "runs", p.state.ExecutionID)
	}
	writer, err := report.NewWriter(reportDir)
	if err != nil {
		return p.state, err
	}
	p.writer = writer

	if !p.opts.DryRun {
		if err := os.MkdirAll(p.opts.BackupDir, 0o755); err != nil {
			return p.fail(fmt.Errorf("cannot create backup root %s: %w", p.opts.BackupDir, err))
		}
		lock := flock.New(filepath.Join(p.opts.BackupDir, LockFile))
		locked, err := lock.TryLock()
		if err == nil && !locked {
			err = errors.New("another execution holds the lock")
		}
		if err != nil {
			return p.fail(fmt.Errorf("cannot lock backup root %s: %w", p.opts.BackupDir, err))
		}
		defer func() { _ = lock.Unlock() }()
	}

	p.log.Info().
		Str("execution_id", p.state.ExecutionID).
		Bool("dry_run", p.opts.DryRun).
		Msg("execution started")

	// Phases before mutation: failure aborts without rollback, since
	// nothing unsafe has happened yet.
	if err := p.runPhase(ctx, PhaseDiscovery, p.discoveryPhase); err != nil {
		return p.fail(err)
	}
	if err := p.runPhase(ctx, PhaseBackup, p.backupPhase); err != nil {
		return p.fail(err)
	}

	// Mutation phases: failure rolls back open transactions and
	// restores mutated stores before aborting.
	if err := p.runPhase(ctx, PhaseDatabase, p.databasePhase); err != nil {
		p.rollback()
		return p.fail(err)
	}
	if err := p.runPhase(ctx, PhaseTransform, p.transformPhase); err != nil {
		p.rollback()
		return p.fail(err)
	}

	// Post-commit phases: problems degrade the status but the run
	// still completes; the risky mutation is already committed and
	// backed up.
	if err := p.runPhase(ctx, PhaseRecovery, p.recoveryPhase); err != nil {
		return p.fail(err)
	}
	if err := p.runPhase(ctx, PhaseValidation, p.validationPhase); err != nil {
		return p.fail(err)
	}

	status := StatusCompleted
	if p.state.ErrorCount > 0 || p.state.WarningCount > 0 {
		status = StatusCompletedWithWarnings
	}
	p.state.Finish(status)
	p.writeProgress("execution complete")
	p.writeFinal()
	p.log.Info().Str("status", string(status)).Msg("execution finished")
	return p.state, nil
}

// runPhase wraps a phase body with state transitions and progress
// persistence.
func (p *Pipeline) runPhase(ctx context.Context, phase Phase, body func(context.Context) (PhaseStatus, string, error)) error {
	if err := p.state.EnterPhase(phase); err != nil {
		return err
	}
	p.writeProgress(string(phase) + " running")

	status, detail, err := body(ctx)
	if err != nil {
		_ = p.state.FinishPhase(phase, PhaseFailed, err.Error())
		p.state.AddError()
		p.writeProgress(string(phase) + " failed")
		return err
	}

	if err := p.state.FinishPhase(phase, status, detail); err != nil {
		return err
	}
	p.writeProgress(string(phase) + " finished")
	return nil
}

func (p *Pipeline) discoveryPhase(ctx context.Context) (PhaseStatus, string, error) {
	catalog, err := p.engine.Discover(ctx)
	if err != nil {
		return PhaseFailed, "", err
	}
	p.catalog = catalog

	for _, w := range catalog.Warnings {
		p.addWarning(w)
	}

	for _, asset := range catalog.DataStores() {
		if discovery.EditorLikelyRunning(asset.Path) {
			msg := fmt.Sprintf("editor appears to have %s open", asset.Path)
			if !p.opts.DryRun && !p.opts.Force {
				return PhaseFailed, "", &discovery.Error{Reason: msg + "; close the editor or pass --force"}
			}
			p.addWarning(msg)
		}
	}

	detail := fmt.Sprintf("%d data stores, %d config files",
		len(catalog.DataStores()), len(catalog.ConfigFiles()))
	return PhaseCompleted, detail, nil
}

func (p *Pipeline) backupPhase(ctx context.Context) (PhaseStatus, string, error) {
	if p.opts.SkipBackup {
		p.manifest = &backup.Manifest{}
		p.addWarning("backup skipped by request; rollback-and-restore is unavailable")
		return PhaseSkipped, "skipped by request", nil
	}

	p.manager = backup.NewManager(p.opts.BackupDir, p.opts.DryRun)
	manifest, err := p.manager.Backup(ctx, p.catalog.Assets)
	if err != nil {
		return PhaseFailed, "", err
	}
	p.manifest = manifest

	// Backup-before-mutate: every valid data store must have a
	// verified record before any transaction opens.
	if !p.opts.DryRun {
		for _, asset := range p.catalog.DataStores() {
			if rec := p.recordFor(asset.ID); rec == nil || !rec.Verified {
				return PhaseFailed, "", &backup.VerificationError{
					Path:   asset.Path,
					Reason: "no verified backup record before mutation",
				}
			}
		}
	}

	return PhaseCompleted, fmt.Sprintf("%d files backed up", manifest.FilesBackedUp), nil
}

// databasePhase opens one transaction per data store and deletes the
// target records. Transactions stay open for the transform phase.
// Per-asset failures roll back and restore that asset only.
func (p *Pipeline) databasePhase(ctx context.Context) (PhaseStatus, string, error) {
	assets := p.catalog.DataStores()
	if p.opts.DryRun {
		for _, asset := range assets {
			asset.DeletedRecordCount = asset.TargetRecordCount
			asset.RemainingTargetCount = 0
		}
		return PhaseCompleted, "dry run: no mutation", nil
	}

	patterns := p.cfg.CleaningPatterns()

	// A plain group, not WithContext: per-asset errors are aggregated,
	// not propagated, so one busy store does not cancel unrelated
	// workers — and the transactions opened here must not be tied to a
	// context that dies when Wait returns.
	var g errgroup.Group
	g.SetLimit(assetWorkers)

	for _, asset := range assets {
		g.Go(func() error {
			if err := p.cleanAsset(ctx, asset, patterns); err != nil {
				p.failAsset(asset, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return p.mutationPhaseStatus(len(assets), "cleaned")
}

// cleanAsset runs the delete statements for one store inside a fresh
// transaction and leaves the transaction open on success.
func (p *Pipeline) cleanAsset(ctx context.Context, asset *discovery.DiscoveredAsset, patterns []string) error {
	// The transaction stays open for the transform phase, and
	// database/sql aborts a transaction when its begin context is
	// canceled. Begin on the run-scoped context; the per-asset timeout
	// bounds only the statements.
	h, err := p.coord.Begin(ctx, asset.Path)
	if err != nil {
		return err
	}

	actx, cancel := p.assetContext(ctx)
	defer cancel()

	if err := p.coord.Savepoint(actx, h, "statewipe_clean"); err != nil {
		_ = p.coord.Rollback(h)
		return err
	}

	var deleted int64
	for _, pattern := range patterns {
		n, err := p.coord.Execute(actx, h, store.DeleteByPattern(pattern))
		if err != nil {
			_ = p.coord.Rollback(h)
			return err
		}
		deleted += n
	}

	asset.DeletedRecordCount = int(deleted)
	asset.RemainingTargetCount = 0

	p.mu.Lock()
	p.open[asset.ID] = h
	p.mu.Unlock()

	p.log.Info().
		Str("path", asset.Path).
		Int64("deleted", deleted).
		Msg("store cleaned")
	return nil
}

// transformPhase mints the identifier set once, applies it inside
// every open transaction, verifies it, commits, and rewrites
// storage.json documents.
func (p *Pipeline) transformPhase(ctx context.Context) (PhaseStatus, string, error) {
	ids, err := identity.NewSet()
	if err != nil {
		return PhaseFailed, "", err
	}
	p.ids = ids
	result := &identity.Result{GeneratedIDs: ids.Labels()}
	p.transform = result

	if p.opts.DryRun {
		return PhaseCompleted, "dry run: identifiers generated, not written", nil
	}

	assets := p.catalog.DataStores()

	var g errgroup.Group
	g.SetLimit(assetWorkers)

	for _, asset := range assets {
		h := p.openTx(asset.ID)
		if h == nil {
			continue // failed during the database phase
		}
		g.Go(func() error {
			actx, cancel := p.assetContext(ctx)
			defer cancel()

			ins, ver, err := identity.Apply(actx, p.coord, h, ids)
			if err == nil {
				err = p.coord.Commit(actx, h)
			}
			p.mu.Lock()
			delete(p.open, asset.ID)
			result.InsertedCount += ins
			result.VerifiedCount += ver
			p.mu.Unlock()

			if err != nil {
				_ = p.coord.Rollback(h)
				p.failAsset(asset, err)
				p.restoreAsset(asset)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, cf := range p.catalog.ConfigFiles() {
		if filepath.Base(cf.Path) != "storage.json" {
			continue
		}
		if err := identity.RewriteStorageJSON(cf.Path, ids); err != nil {
			p.addWarning(fmt.Sprintf("cannot rewrite %s: %v", cf.Path, err))
		}
	}

	status, detail, err := p.mutationPhaseStatus(len(assets), "transformed")
	if err == nil {
		detail = fmt.Sprintf("%s; %d identifiers inserted, %d verified",
			detail, result.InsertedCount, result.VerifiedCount)
	}
	return status, detail, err
}

func (p *Pipeline) recoveryPhase(ctx context.Context) (PhaseStatus, string, error) {
	if p.manager == nil || len(p.manifest.Records) == 0 {
		return PhaseSkipped, "no backup set to restore from", nil
	}

	// The pipeline never restores data stores; that would undo the
	// committed mutation. Scope the manifest down to config files.
	scoped := *p.manifest
	scoped.Records = nil
	for _, rec := range p.manifest.Records {
		if rec.Kind == discovery.KindConfigFile {
			scoped.Records = append(scoped.Records, rec)
		}
	}

	restorer := recovery.NewRestorer(p.manager)
	result, err := restorer.Restore(&scoped, p.opts.RestoreScope)
	if err != nil {
		// Recovery problems never roll back committed data; degrade
		// and continue.
		p.addWarning(err.Error())
		return PhaseCompletedWithErrors, "recovery incomplete: " + err.Error(), nil
	}

	for _, w := range result.Warnings {
		p.addWarning(w)
	}
	status := PhaseCompleted
	if len(result.Warnings) > 0 {
		status = PhaseCompletedWithErrors
	}
	return status, fmt.Sprintf("%d files restored", result.RestoredCount), nil
}

func (p *Pipeline) validationPhase(ctx context.Context) (PhaseStatus, string, error) {
	if p.opts.DryRun {
		return PhaseCompleted, "dry run: validation simulated, score 100", nil
	}

	validator := validate.NewValidator(p.cfg.CleaningPatterns(), p.manager)
	outcome := validator.Validate(ctx, p.catalog, p.manifest, p.ids)
	p.outcome = outcome

	for _, w := range outcome.Warnings {
		p.addWarning(w)
	}

	detail := fmt.Sprintf("score %d/100, %d target records remain",
		outcome.EffectivenessScore, outcome.RemainingTargetRecords)
	if outcome.EffectivenessScore < p.cfg.EffectivenessThreshold ||
		!outcome.IdentifiersVerified || !outcome.BackupsIntact {
		return PhaseCompletedWithErrors, detail, nil
	}
	return PhaseCompleted, detail, nil
}

// mutationPhaseStatus derives the phase outcome from the per-asset
// error map: all failed is a phase failure, partial failure degrades.
func (p *Pipeline) mutationPhaseStatus(total int, verb string) (PhaseStatus, string, error) {
	p.mu.Lock()
	failed := len(p.assetErr)
	p.mu.Unlock()

	succeeded := total - failed
	detail := fmt.Sprintf("%d/%d stores %s", succeeded, total, verb)
	if failed == 0 {
		return PhaseCompleted, detail, nil
	}
	if succeeded > 0 {
		return PhaseCompletedWithErrors, detail, nil
	}
	return PhaseFailed, "", fmt.Errorf("all %d stores failed: %s", total, p.firstAssetError())
}

// rollback aborts every still-open transaction and restores every
// mutated store from its backup record.
func (p *Pipeline) rollback() {
	_ = p.state.EnterPhase(PhaseRollback)
	p.writeProgress("rolling back")

	p.mu.Lock()
	handles := make([]*store.TxHandle, 0, len(p.open))
	ids := make([]string, 0, len(p.open))
	for id, h := range p.open {
		handles = append(handles, h)
		ids = append(ids, id)
	}
	p.open = map[string]*store.TxHandle{}
	p.mu.Unlock()

	for _, h := range handles {
		if err := p.coord.Rollback(h); err != nil {
			p.addWarning(fmt.Sprintf("rollback failed for %s: %v", h.Path, err))
		}
	}

	// Restore from backup as well: a transaction that already
	// committed (e.g. transform failed on a later asset) is only
	// undone by the file copy.
	for _, id := range ids {
		for i := range p.catalog.Assets {
			if p.catalog.Assets[i].ID == id {
				p.restoreAsset(&p.catalog.Assets[i])
			}
		}
	}

	p.log.Warn().Msg("rollback complete")
}

// restoreAsset puts one store back from its verified backup record.
func (p *Pipeline) restoreAsset(asset *discovery.DiscoveredAsset) {
	if p.manager == nil {
		p.addWarning(fmt.Sprintf("no backup available to restore %s", asset.Path))
		return
	}
	rec := p.recordFor(asset.ID)
	if rec == nil {
		p.addWarning(fmt.Sprintf("no backup record for %s", asset.Path))
		return
	}
	if err := p.manager.Restore(*rec); err != nil {
		p.addWarning(err.Error())
	}
}

// fail finalizes a failed run: failure report, terminal state.
func (p *Pipeline) fail(cause error) (*ExecutionState, error) {
	p.failures = append(p.failures, cause.Error())
	p.state.Finish(StatusFailed)
	p.writeProgress("execution failed: " + cause.Error())
	p.writeFinal()
	p.log.Error().Err(cause).Msg("execution failed")
	return p.state, cause
}

func (p *Pipeline) assetContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(p.cfg.AssetTimeoutSeconds) * time.Second
	return context.WithTimeout(ctx, timeout)
}

func (p *Pipeline) failAsset(asset *discovery.DiscoveredAsset, err error) {
	p.mu.Lock()
	p.assetErr[asset.ID] = err
	p.mu.Unlock()
	p.state.AddError()
	p.failures = append(p.failures, fmt.Sprintf("%s: %v", asset.Path, err))
	p.log.Error().Str("path", asset.Path).Err(err).Msg("asset failed")
}

func (p *Pipeline) firstAssetError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, err := range p.assetErr {
		return err
	}
	return nil
}

func (p *Pipeline) openTx(assetID string) *store.TxHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[assetID]
}

func (p *Pipeline) recordFor(assetID string) *backup.Record {
	if p.manifest == nil {
		return nil
	}
	for i := range p.manifest.Records {
		if p.manifest.Records[i].AssetID == assetID {
			return &p.manifest.Records[i]
		}
	}
	return nil
}

func (p *Pipeline) addWarning(msg string) {
	p.mu.Lock()
	p.warnings = append(p.warnings, msg)
	p.mu.Unlock()
	p.state.AddWarning()
	p.log.Warn().Msg(msg)
}

func (p *Pipeline) writeProgress(message string) {
	if p.writer == nil {
		return
	}
	err := p.writer.WriteProgress(&report.Progress{
		ExecutionID:    p.state.ExecutionID,
		CurrentPhase:   string(p.state.Phase),
		Status:         string(p.state.Status),
		Message:        message,
		CompletedSteps: p.state.CompletedSteps,
		TotalSteps:     p.state.TotalSteps,
		ErrorsCount:    p.state.ErrorCount,
		WarningsCount:  p.state.WarningCount,
		PhaseResults:   p.state.PhaseStatuses(),
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("cannot write progress document")
	}
}

func (p *Pipeline) writeFinal() {
	if p.writer == nil {
		return
	}

	final := &report.Final{
		ExecutionID: p.state.ExecutionID,
		Status:      string(p.state.Status),
		StartTime:   p.state.StartTime,
		EndTime:     time.Now().UTC(),
		DryRun:      p.opts.DryRun,
		Warnings:    p.warnings,
		Errors:      p.failures,
	}
	for _, r := range p.state.Results() {
		final.Phases = append(final.Phases, report.PhaseLine{
			Name:   string(r.Name),
			Status: string(r.Status),
			Detail: r.Detail,
		})
	}
	if p.catalog != nil {
		for _, a := range p.catalog.Assets {
			final.Assets = append(final.Assets, report.AssetLine{
				Path:         a.Path,
				Kind:         string(a.Kind),
				TargetBefore: a.TargetRecordCount,
				TargetAfter:  a.RemainingTargetCount,
				Valid:        a.Valid,
			})
		}
	}
	if p.manifest != nil {
		for _, rec := range p.manifest.Records {
			final.Backups = append(final.Backups, report.BackupLine{
				SourcePath: rec.SourcePath,
				BackupPath: rec.BackupPath,
				SizeBytes:  rec.SizeBytes,
				Verified:   rec.Verified,
			})
		}
	}
	if p.transform != nil {
		final.GeneratedIDs = p.transform.GeneratedIDs
		final.InsertedIDs = p.transform.InsertedCount
		final.VerifiedIDs = p.transform.VerifiedCount
	}
	if p.outcome != nil {
		final.EffectivenessScore = p.outcome.EffectivenessScore
	} else if p.state.Status != StatusFailed {
		final.EffectivenessScore = 100
	}

	if err := p.writer.WriteFinal(final); err != nil {
		p.log.Warn().Err(err).Msg("cannot write final report")
	}
}
