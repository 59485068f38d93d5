package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/statewipe/statewipe/internal/logging"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:   "statewipe",
	Short: "Statewipe safely resets per-user editor state.",
	Long: `Statewipe locates the editor's per-user data stores, backs them up,
removes identifier and telemetry records, mints replacement identifiers,
and verifies the result as one auditable operation.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(verbosity)
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
