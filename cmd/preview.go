package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/statewipe/statewipe/internal/config"
	"github.com/statewipe/statewipe/internal/discovery"
)

var previewConfigPath string

func init() {
	previewCmd.Flags().StringVar(&previewConfigPath, "config", "", "path to statewipe.toml")
	rootCmd.AddCommand(previewCmd)
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show what a run would clean, without making changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load(previewConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		engine := discovery.NewEngine(cfg.CleaningPatterns())
		catalog, err := engine.Discover(cmd.Context())
		if err != nil {
			return err
		}

		total := 0
		for _, asset := range catalog.DataStores() {
			if asset.TargetRecordCount > 0 {
				fmt.Printf("  %s: %d entries would be removed\n", asset.Path, asset.TargetRecordCount)
			} else {
				fmt.Printf("  %s: no entries to remove\n", asset.Path)
			}
			total += asset.TargetRecordCount
		}
		for _, asset := range catalog.ConfigFiles() {
			fmt.Printf("  %s: would be backed up\n", asset.Path)
		}
		fmt.Printf("total entries that would be removed: %d\n", total)
		return nil
	},
}
