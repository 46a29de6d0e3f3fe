package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matrixci/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status for a matrix run: its current state (PENDING, RUNNING, PASSED, FAILED), timestamps, and the per-environment phase results once the run finished.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the MATRIXCI_TOKEN environment variable")
			return
		}

		client := NewMatrixClient(url, token)
		run, err := client.GetRun(runID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		printStatus(cmd, run)
	},
}

func printStatus(cmd *cobra.Command, run *api.RunResponse) {
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s       %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sMatrix:%s   %s\n", colorDim, colorReset, run.MatrixID)
	cmd.Printf("%sStatus:%s   %s\n", colorDim, colorReset, colorizeStatus(run.Status))
	cmd.Printf("%sAttempt:%s  %d\n", colorDim, colorReset, run.Attempt)

	if run.Error != nil {
		cmd.Printf("%sError:%s    %s%s%s\n", colorDim, colorReset, colorRed, *run.Error, colorReset)
	}

	cmd.Printf("%sStarted:%s  %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))
	if run.StartedAt != nil && run.CompletedAt != nil {
		duration := run.CompletedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s %s\n", colorDim, colorReset, formatTimeWithRelative(run.CompletedAt))
	}

	if len(run.Jobs) == 0 {
		return
	}

	cmd.Println()
	cmd.Printf("%sEnvironments:%s\n", colorBold, colorReset)
	for _, job := range run.Jobs {
		cmd.Printf("%s %s\n", statusIcon(job.Status), job.Environment)
		for _, phase := range job.Phases {
			exit := fmt.Sprintf("%sexit %d%s", colorGreen, phase.ExitCode, colorReset)
			if phase.ExitCode != 0 {
				exit = fmt.Sprintf("%sexit %d%s", colorRed, phase.ExitCode, colorReset)
			}
			if phase.TimedOut {
				exit += fmt.Sprintf(" %s(timed out)%s", colorYellow, colorReset)
			}
			cmd.Printf("    %s%-8s%s %s  %s%s%s\n",
				colorDim, phase.Name, colorReset, exit,
				colorCyan, phase.Duration, colorReset)
		}
		if job.Error != nil {
			cmd.Printf("    %s%s%s\n", colorRed, *job.Error, colorReset)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "PASSED":
		return colorGreen + "✓" + colorReset
	case "FAILED":
		return colorRed + "✗" + colorReset
	case "RUNNING":
		return colorYellow + "⏳" + colorReset
	case "PENDING":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "PASSED":
		return icon + " " + colorGreen + status + colorReset
	case "FAILED":
		return icon + " " + colorRed + status + colorReset
	case "RUNNING":
		return icon + " " + colorYellow + status + colorReset
	case "PENDING":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
