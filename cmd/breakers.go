package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"vellum/internal/resilience"
)

var breakersServerURL string

// breakersCmd represents the breakers command group. Breaker state lives in
// the serve process, so every subcommand talks to its admin API.
var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Inspect and control circuit breakers on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var statuses map[string]resilience.BreakerStatus
		if err := getJSON(breakersServerURL+"/api/v1/breakers", &statuses); err != nil {
			return fmt.Errorf("failed to query breakers: %w", err)
		}
		if len(statuses) == 0 {
			fmt.Println("No breakers active yet.")
			return nil
		}

		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Service", "State", "Failures", "Calls", "Last Error", "Next Attempt"})
		table.SetBorder(true)
		table.SetRowLine(true)

		for _, name := range names {
			st := statuses[name]
			nextAttempt := ""
			if st.NextAttemptAt != nil {
				nextAttempt = st.NextAttemptAt.Format(time.RFC3339)
			}
			state := st.State
			if st.ForcedOpen {
				state = state + " (forced)"
			}
			table.Append([]string{
				name,
				colorState(state),
				fmt.Sprintf("%d/%d", st.ConsecutiveFailures, st.TotalFailures),
				fmt.Sprintf("%d", st.TotalCalls),
				st.LastError,
				nextAttempt,
			})
		}
		table.Render()
		return nil
	},
}

func colorState(state string) string {
	switch {
	case state == "closed":
		return color.GreenString(state)
	case state == "half_open":
		return color.YellowString(state)
	default:
		return color.RedString(state)
	}
}

var breakerOpenReason string

var breakerOpenCmd = &cobra.Command{
	Use:   "open <service>",
	Short: "Force a breaker open",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postBreakerAction(args[0], "open", map[string]string{"reason": breakerOpenReason})
	},
}

var breakerCloseCmd = &cobra.Command{
	Use:   "close <service>",
	Short: "Clear a manual override and close a breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postBreakerAction(args[0], "close", nil)
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <service>",
	Short: "Reset a breaker's lifetime counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postBreakerAction(args[0], "reset", nil)
	},
}

func postBreakerAction(service, action string, body map[string]string) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return err
		}
	}

	url := fmt.Sprintf("%s/api/v1/breakers/%s/%s", breakersServerURL, service, action)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", &payload)
	if err != nil {
		return fmt.Errorf("failed to %s breaker %s: %w", action, service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var status resilience.BreakerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}
	fmt.Printf("Breaker %s is now %s\n", service, colorState(status.State))
	return nil
}

func init() {
	rootCmd.AddCommand(breakersCmd)
	breakersCmd.AddCommand(breakerOpenCmd, breakerCloseCmd, breakerResetCmd)
	breakersCmd.PersistentFlags().StringVar(&breakersServerURL, "server", "http://localhost:8080", "Base URL of the running server")
	breakerOpenCmd.Flags().StringVar(&breakerOpenReason, "reason", "manual override via CLI", "Reason recorded with the override")
}
