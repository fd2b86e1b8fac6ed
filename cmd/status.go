package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vellum/internal/models"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the durable status of a pipeline job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		job, err := appInstance.JobStore.GetJob(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load job %s: %w", args[0], err)
		}

		fmt.Printf("Job:      %s\n", job.JobID)
		fmt.Printf("File:     %s\n", job.Filename)
		fmt.Printf("Status:   %s\n", colorStatus(job.Status))
		fmt.Printf("Step:     %s (%d%%)\n", job.CurrentStep, job.ProgressPercentage)
		fmt.Printf("Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("Started:  %s\n", job.StartedAt.Format(time.RFC3339))
		}
		if job.CompletedAt != nil {
			fmt.Printf("Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
		}
		if job.DocumentID != nil {
			fmt.Printf("Document: %d\n", *job.DocumentID)
		}
		if len(job.StepsCompleted) > 0 {
			fmt.Printf("Steps completed: %v\n", job.StepsCompleted)
		}
		for _, failure := range job.StepsFailed {
			fmt.Printf("Step failed: %s: %s\n", color.YellowString(failure.Step), failure.Error)
		}
		if len(job.PendingTasks) > 0 {
			fmt.Printf("Pending retries: %v\n", job.PendingTasks)
		}
		if job.ErrorMessage != nil && *job.ErrorMessage != "" {
			fmt.Printf("Error: %s\n", color.RedString(*job.ErrorMessage))
		}
		return nil
	},
}

func colorStatus(status string) string {
	switch status {
	case models.JobStatusCompleted:
		return color.GreenString(status)
	case models.JobStatusFailed:
		return color.RedString(status)
	case models.JobStatusProcessing:
		return color.CyanString(status)
	case models.JobStatusCancelled:
		return color.YellowString(status)
	default:
		return status
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
