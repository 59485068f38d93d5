package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/statewipe/statewipe/internal/backup"
	"github.com/statewipe/statewipe/internal/recovery"
)

var restoreScope string

func init() {
	restoreCmd.Flags().StringVar(&restoreScope, "scope", string(recovery.ScopeAll), "restore scope (configurations|extensions|sessions|databases|all)")
	rootCmd.AddCommand(restoreCmd)
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-set-dir>",
	Short: "Restore files from a previous backup set",
	Long: `Restore copies files from a backup set created by a previous run back
over their original locations. The set directory is the one containing
manifest.json. Only verified backup records are restored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		scope, err := recovery.ParseScope(restoreScope)
		if err != nil {
			return err
		}

		setDir := args[0]
		manifest, err := backup.LoadManifest(filepath.Join(setDir, backup.ManifestFile))
		if err != nil {
			return err
		}

		manager := backup.NewManager(filepath.Dir(setDir), false)
		restorer := recovery.NewRestorer(manager)
		result, err := restorer.Restore(manifest, scope)
		if err != nil {
			return err
		}

		fmt.Printf("restored %d files from backup set %s\n", result.RestoredCount, manifest.BackupID)
		for _, w := range result.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		return nil
	},
}
