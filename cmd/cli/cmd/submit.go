package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matrixci/internal/matrix"
	"matrixci/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Register a matrix with the control plane",
	Long: `Validate a matrix file locally and register it with the control plane.
Registered matrices are triggered with 'matrixctl trigger', by webhook,
or immediately with --trigger.

Example:
  matrixctl submit -f matrix.yaml --name "nightly"
  matrixctl submit -f matrix.yaml --priority 75 --trigger`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		name, _ := flags.GetString("name")
		priority, _ := flags.GetInt("priority")
		trigger, _ := flags.GetBool("trigger")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the MATRIXCI_TOKEN environment variable")
			return
		}

		definition, err := os.ReadFile(file)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		// Catch configuration mistakes before the file leaves the machine.
		// GPU capability is checked later, against the worker's runtime.
		m, err := matrix.Parse(definition)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if err := m.Validate(-1); err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		if name == "" {
			name = m.Name
		}
		if name == "" {
			base := filepath.Base(file)
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}

		client := NewMatrixClient(url, token)
		result, err := client.CreateMatrix(api.CreateMatrixRequest{
			Name:       name,
			Definition: string(definition),
			Priority:   priority,
		})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Matrix registered!\nID: %s\nName: %s\n", result.MatrixID, name)

		if !trigger {
			return
		}

		runResult, err := client.TriggerRun(result.MatrixID, api.TriggerRunRequest{})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Matrix registered (ID: %s) but trigger failed (%d): %s\n", result.MatrixID, apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Matrix registered (ID: %s) but trigger failed: %v\n", result.MatrixID, err)
			}
			return
		}

		cmd.Printf("🚀 Run started!\nRun ID: %s\n", runResult.RunID)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("file", "f", "matrix.yaml", "Path to the matrix file")
	flags.StringP("name", "n", "", "Name to register the matrix under (default: name from the file)")
	flags.Int("priority", api.PriorityNormal, "Run priority, 0-100")
	flags.Bool("trigger", false, "Trigger a run immediately after registering")

	rootCmd.AddCommand(submitCmd)
}
