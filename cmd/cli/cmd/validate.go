package cmd

import (
	"github.com/spf13/cobra"

	"matrixci/internal/matrix"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a matrix file without running it",
	Long: `Parse a matrix file and run every configuration check that does not
need a runtime. GPU capability is not checked here because it depends
on the runtime the matrix eventually runs on.

Example:
  matrixctl validate -f matrix.yaml`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		m, err := matrix.Load(file)
		if err != nil {
			return err
		}
		if err := m.Validate(-1); err != nil {
			return err
		}

		cmd.Printf("%s✓%s %s is valid: %d environments, %d phases\n",
			colorGreen, colorReset, file, len(m.Environments), len(m.Pipeline()))
		return nil
	},
}

func init() {
	validateCmd.Flags().StringP("file", "f", "matrix.yaml", "Path to the matrix file")
	rootCmd.AddCommand(validateCmd)
}
