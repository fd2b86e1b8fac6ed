package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"vellum/internal/models"
	"vellum/internal/queue"
)

var (
	submitPriority string
	submitWait     bool
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <payload-path>",
	Short: "Submit a document for pipeline processing",
	Long: `Submits a document payload to the job queue and runs the pipeline for it.
By default the command waits for the job to finish and prints the outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		payloadPath, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving payload path: %w", err)
		}

		priority, err := models.ParsePriority(submitPriority)
		if err != nil {
			return err
		}

		jobID := uuid.NewString()
		appInstance.Queue.Start(cmd.Context())

		accepted := appInstance.Queue.Submit(queue.SubmitParams{
			JobID:       jobID,
			Filename:    filepath.Base(payloadPath),
			PayloadPath: payloadPath,
			Priority:    priority,
		})
		if !accepted {
			return fmt.Errorf("queue rejected job (full or duplicate)")
		}
		fmt.Printf("Job %s submitted with priority %s\n", jobID, priority.String())

		if !submitWait {
			return nil
		}

		for {
			time.Sleep(2 * time.Second)
			job, err := appInstance.JobStore.GetJob(cmd.Context(), jobID)
			if err != nil {
				continue
			}
			switch job.Status {
			case models.JobStatusCompleted:
				fmt.Printf("%s steps: %v", color.GreenString("Completed."), job.StepsCompleted)
				if len(job.StepsFailed) > 0 {
					fmt.Printf(" %s", color.YellowString("(with %d best-effort failure(s))", len(job.StepsFailed)))
				}
				fmt.Println()
				if err := appInstance.Queue.Stop(10 * time.Second); err != nil {
					return err
				}
				return nil
			case models.JobStatusFailed:
				fmt.Printf("%s %s\n", color.RedString("Failed."), derefOrEmpty(job.ErrorMessage))
				appInstance.Queue.Stop(10 * time.Second)
				return fmt.Errorf("job %s failed", jobID)
			default:
				fmt.Printf("  %s: %s (%d%%)\n", job.Status, job.CurrentStep, job.ProgressPercentage)
			}
		}
	},
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitPriority, "priority", "normal", "Job priority: urgent, high, normal or low")
	submitCmd.Flags().BoolVar(&submitWait, "wait", true, "Wait for the job to finish")
}
