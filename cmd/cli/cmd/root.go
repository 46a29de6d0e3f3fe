package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "matrixctl",
	Short: "Matrixctl runs CI matrices locally and drives the matrixci control plane",
	Long: `matrixctl is the command-line interface for the matrixci matrix orchestrator.

A matrix file declares a set of environments (image, env vars, resource
reservations) that all run the same install/lint/test pipeline. matrixctl
can execute a matrix directly on this machine, or register it with the
control plane where workers pick runs up from the queue.

Common workflows:

  Run a matrix locally and gate on the result (exit 0 iff all pass):
    matrixctl run -f matrix.yaml

  Check a matrix file without running anything:
    matrixctl validate -f matrix.yaml

  Register a matrix with the control plane and trigger a run:
    matrixctl submit -f matrix.yaml --name "nightly"
    matrixctl trigger <matrix-id>

  Inspect a run:
    matrixctl status <run-id>
    matrixctl logs <run-id> --follow

  Hold a dev environment open until Ctrl-C:
    matrixctl dev -f matrix.yaml --only cuda

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    MATRIXCI_URL      API endpoint (default: http://localhost:7171)
    MATRIXCI_TOKEN    Project API key for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".matrixctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".matrixctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "MATRIXCI_VARNAME"
	viper.SetEnvPrefix("MATRIXCI")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.matrixctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7171", "Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Project API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
