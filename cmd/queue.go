package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"vellum/internal/queue"
)

var queueServerURL string

// queueCmd represents the queue command. Queue state lives in the serve
// process, so this queries its API rather than building a second queue.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the live job queue of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status queue.Status
		if err := getJSON(queueServerURL+"/api/v1/queue", &status); err != nil {
			return fmt.Errorf("failed to query queue status: %w", err)
		}

		fmt.Printf("Queued: %d  Active: %d/%d  Completed: %d  Failed: %d  Cancelled: %d\n",
			status.QueueSize, status.ActiveCount, status.MaxConcurrency,
			status.TotalCompleted, status.TotalFailed, status.TotalCancelled)
		if status.AverageProcessing > 0 {
			fmt.Printf("Average wait: %s  Average processing: %s\n",
				status.AverageWait.Round(time.Second), status.AverageProcessing.Round(time.Second))
		}

		if len(status.Queued) == 0 && len(status.Active) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Job ID", "File", "Priority", "State", "Waiting", "Estimate", "Retries"})
		table.SetBorder(true)
		table.SetRowLine(true)

		for _, job := range status.Active {
			table.Append(previewRow(job, "active"))
		}
		for _, job := range status.Queued {
			table.Append(previewRow(job, "queued"))
		}
		table.Render()
		return nil
	},
}

func previewRow(job queue.JobPreview, state string) []string {
	return []string{
		job.ID,
		job.Filename,
		job.Priority,
		state,
		job.WaitingFor.Round(time.Second).String(),
		job.EstimatedDuration.Round(time.Second).String(),
		fmt.Sprintf("%d", job.RetryCount),
	}
}

func getJSON(url string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.PersistentFlags().StringVar(&queueServerURL, "server", "http://localhost:8080", "Base URL of the running server")
}
