package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var follow bool

var logsCmd = &cobra.Command{
	Use:   "logs [run_id]",
	Short: "Stream logs for a run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the MATRIXCI_TOKEN environment variable")
			return
		}

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			os.Exit(0)
		}()

		client := NewMatrixClient(url, token)
		var lastID int64 = 0

		for {
			newLogs, err := client.GetLogs(runID, lastID)
			if err != nil {
				cmd.Printf("Error fetching logs: %v\n", err)
				if !follow {
					break
				}
				time.Sleep(2 * time.Second) // Retry backoff
				continue
			}

			for _, entry := range newLogs {
				cmd.Print(entry.Content)
				// Shipped lines are stored without their trailing newline.
				if len(entry.Content) > 0 && entry.Content[len(entry.Content)-1] != '\n' {
					cmd.Println()
				}

				if entry.ID > lastID {
					lastID = entry.ID
				}
			}

			if !follow {
				// Caught up once a page comes back empty.
				if len(newLogs) == 0 {
					break
				}
				continue
			}

			// If following, wait before polling again
			time.Sleep(1 * time.Second)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
}
