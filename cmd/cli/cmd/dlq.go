package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the Dead Letter Queue (DLQ)",
	Long:  `Inspect and retry runs that have permanently failed after exceeding their retry limit.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered runs",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewMatrixClient(viper.GetString("url"), viper.GetString("token"))

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		runs, err := client.ListDLQRuns(limit, offset)
		if err != nil {
			cmd.Printf("Error fetching DLQ: %s\n", err)
			os.Exit(1)
		}

		if len(runs) == 0 {
			if offset > 0 {
				cmd.Println("No more runs found in DLQ.")
			} else {
				cmd.Println("No runs found in DLQ.")
			}
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tMATRIX\tATTEMPTS\tFAILED AT\tERROR")
		for _, r := range runs {
			failedAt := ""
			if r.FailedAt != nil {
				failedAt = r.FailedAt.Format(time.RFC3339)
			}
			errMsg := ""
			if r.ErrorMessage != nil {
				// Truncate long error messages for the table view
				errMsg = *r.ErrorMessage
				if len(errMsg) > 50 {
					errMsg = errMsg[:47] + "..."
				}
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				r.RunID,
				r.MatrixName,
				r.Attempts,
				failedAt,
				errMsg,
			)
		}
		w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [run_id]",
	Short: "Retry a specific run from the DLQ",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		client := NewMatrixClient(viper.GetString("url"), viper.GetString("token"))

		resp, err := client.RetryDLQRun(runID)
		if err != nil {
			cmd.Printf("Error retrying run: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("✓ Run %s requeued.\n", runID)
		cmd.Printf("  New Run ID: %s\n", resp.NewRunID)
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)

	dlqListCmd.Flags().IntP("limit", "l", 20, "Number of runs to list")
	dlqListCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
