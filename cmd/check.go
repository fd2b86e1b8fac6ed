package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"vellum/internal/consistency"
)

var (
	checkSummaryOnly bool
	checkFix         bool
	checkFixKinds    []string
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Cross-check the relational and vector stores",
	Long: `Runs the consistency checker against both stores and reports any
divergence. With --fix, safe issue kinds are repaired afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()
		ctx := cmd.Context()

		if checkSummaryOnly {
			summary, err := appInstance.Checker.Summary(ctx)
			if err != nil {
				return fmt.Errorf("consistency summary failed: %w", err)
			}
			if summary.CountsMatch {
				fmt.Printf("%s %d documents in both stores\n", color.GreenString("Counts match:"), summary.RelationalCount)
			} else {
				fmt.Printf("%s %d relational vs %d vector\n", color.RedString("Counts diverge:"),
					summary.RelationalCount, summary.VectorCount)
			}
			return nil
		}

		report, err := appInstance.Checker.RunFullCheck(ctx)
		if err != nil {
			return fmt.Errorf("consistency check failed: %w", err)
		}

		fmt.Printf("Overall status: %s (%d relational, %d vector documents)\n",
			colorOverall(report.OverallStatus), report.RelationalCount, report.VectorCount)

		if len(report.Issues) == 0 {
			fmt.Println("No issues found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Kind", "Severity", "Description"})
		table.SetBorder(true)
		table.SetRowLine(true)
		for _, issue := range report.Issues {
			table.Append([]string{issue.Kind, issue.Severity, issue.Description})
		}
		table.Render()

		for _, rec := range report.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}

		if checkFix {
			fix, err := appInstance.Checker.AutoFix(ctx, report, checkFixKinds...)
			if err != nil {
				return fmt.Errorf("auto-fix failed: %w", err)
			}
			fmt.Printf("Auto-fix: %s fixed, %s failed\n",
				color.GreenString("%d", fix.Fixed), color.RedString("%d", fix.Failed))
		}
		return nil
	},
}

func colorOverall(status string) string {
	switch status {
	case "excellent", "good":
		return color.GreenString(status)
	case "fair":
		return color.YellowString(status)
	default:
		return color.RedString(status)
	}
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkSummaryOnly, "summary", false, "Run only the fast count comparison")
	checkCmd.Flags().BoolVar(&checkFix, "fix", false, "Repair fixable issues after the check")
	checkCmd.Flags().StringSliceVar(&checkFixKinds, "fix-kinds", nil,
		fmt.Sprintf("Issue kinds to repair (default: %v)", consistency.DefaultFixKinds))
}
