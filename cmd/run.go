package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/statewipe/statewipe/internal/config"
	"github.com/statewipe/statewipe/internal/pipeline"
	"github.com/statewipe/statewipe/internal/recovery"
)

var (
	runDryRun     bool
	runSkipBackup bool
	runForce      bool
	runConfigPath string
	runBackupDir  string
	runScope      string
	runThreshold  int
)

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "show what would happen without touching any file")
	runCmd.Flags().BoolVar(&runSkipBackup, "skip-backup", false, "skip the backup phase (requires --force)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "proceed past safety checks")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to statewipe.toml")
	runCmd.Flags().StringVar(&runBackupDir, "backup-dir", "", "backup root directory")
	runCmd.Flags().StringVar(&runScope, "scope", "", "configuration restore scope (configurations|extensions|sessions|all)")
	runCmd.Flags().IntVar(&runThreshold, "threshold", 0, "minimum effectiveness score to pass validation (default from config)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full clean pipeline",
	Long: `Run discovers the editor's data stores, backs them up, removes target
records inside a transaction, inserts fresh identifiers, restores
configuration files, and validates the end state. Any phase failure
after mutation rolls back and restores from backup before exiting
non-zero.`,
	RunE: runPipeline,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.LoadDotenv(cfg); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	defaultBackupDir := filepath.Join(xdg.DataHome, "statewipe", "backups")
	backupDir := config.GetBackupDir(runBackupDir, cfg, defaultBackupDir)

	if runThreshold > 0 {
		cfg.EffectivenessThreshold = runThreshold
	}

	scopeValue := config.GetRestoreScope(runScope, cfg, string(recovery.ScopeConfigurations))
	scope, err := recovery.ParseScope(scopeValue)
	if err != nil {
		return err
	}

	p := pipeline.New(cfg, pipeline.Options{
		DryRun:       runDryRun,
		SkipBackup:   runSkipBackup,
		Force:        runForce,
		BackupDir:    backupDir,
		RestoreScope: scope,
	})

	state, err := p.Run(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "execution %s failed: %v\n", state.ExecutionID, err)
		os.Exit(1)
	}

	fmt.Printf("execution %s: %s (%d/%d steps, %d warnings)\n",
		state.ExecutionID, state.Status, state.CompletedSteps, state.TotalSteps, state.WarningCount)
	return nil
}
