package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"matrixci/internal/logger"
	"matrixci/internal/matrix"
	"matrixci/internal/runner"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Hold one environment open for development",
	Long: `Provision a single environment of a matrix and keep it alive until
Ctrl-C instead of running the pipeline. Useful for poking around inside
an environment interactively; the context ID printed on startup is the
container name under the docker runtime.

Example:
  matrixctl dev -f matrix.yaml --only cuda`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		only, _ := flags.GetString("only")
		runtimeName, _ := flags.GetString("runtime")
		gpus, _ := flags.GetInt("gpus")
		workDir, _ := flags.GetString("workdir")
		verbose, _ := flags.GetBool("verbose")

		m, err := matrix.Load(file)
		if err != nil {
			return err
		}

		env, err := pickEnvironment(m.Environments, only)
		if err != nil {
			return err
		}

		rt, err := newLocalRuntime(runtimeName, workDir, gpus)
		if err != nil {
			return err
		}

		log := logger.NewConsole(cmd.ErrOrStderr(), verbose)
		jobRunner := runner.New(rt, runner.Config{
			Sink:   runner.NewPrefixSink(cmd.OutOrStdout()),
			Logger: log,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cmd.Printf("Holding %s%s%s open; press Ctrl-C to tear it down.\n", colorBold, env.Name, colorReset)

		// No phases: the context is provisioned and held as-is.
		result, err := jobRunner.Hold(ctx, matrix.Job{Descriptor: env, KeepAlive: true})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if result.Error != "" {
			return errors.New(result.Error)
		}

		cmd.Println("Context torn down.")
		return nil
	},
}

// pickEnvironment resolves which environment to hold open. A matrix with
// a single environment needs no --only.
func pickEnvironment(envs []matrix.Descriptor, only string) (matrix.Descriptor, error) {
	if only == "" {
		if len(envs) == 1 {
			return envs[0], nil
		}
		return matrix.Descriptor{}, fmt.Errorf("the matrix has %d environments; pick one with --only", len(envs))
	}
	for _, env := range envs {
		if env.Name == only {
			return env, nil
		}
	}
	return matrix.Descriptor{}, fmt.Errorf("no environment named %q in the matrix", only)
}

func init() {
	flags := devCmd.Flags()
	flags.StringP("file", "f", "matrix.yaml", "Path to the matrix file")
	flags.String("only", "", "Environment to hold open (required when the matrix has several)")
	flags.String("runtime", "docker", "Runtime to provision on (docker or exec)")
	flags.Int("gpus", 0, "GPU slots the runtime may hand out")
	flags.String("workdir", "", "Scratch directory for the exec runtime")
	flags.BoolP("verbose", "v", false, "Show runner debug logging")

	rootCmd.AddCommand(devCmd)
}
