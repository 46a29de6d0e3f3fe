package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matrixci/pkg/api"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new project",
	Long: `Create a project and print its API key and webhook secret.

Both credentials are shown exactly once; the server keeps only a hash
of the API key. The API key authenticates matrixctl and the webhook
secret signs push-event deliveries.`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")

		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		client := NewMatrixClient(viper.GetString("url"), viper.GetString("token"))
		result, err := client.CreateProject(api.CreateProjectRequest{Name: name})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Project created!\nID: %s\nName: %s\n", result.ID, result.Name)
		cmd.Printf("API key: %s\nWebhook secret: %s\n", result.ApiKey, result.WebhookSecret)
		cmd.Println("Store these now; they are not shown again.")
	},
}

func init() {
	projectCreateCmd.Flags().StringP("name", "n", "", "Name of the project (required)")

	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectCreateCmd)
}
