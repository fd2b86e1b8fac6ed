package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupRetention time.Duration

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old terminal job records",
	Long: `Removes completed, failed and cancelled job records older than the
retention window. The same cleanup also runs nightly in the serve process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		retention := cleanupRetention
		if retention <= 0 {
			retention = appInstance.Config.Cleanup.Retention
		}

		deleted, err := appInstance.JobStore.CleanupJobs(cmd.Context(), retention)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		fmt.Printf("Deleted %d terminal job record(s) older than %s\n", deleted, retention)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "Retention window (default from config)")
}
