package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"matrixci/internal/logger"
	"matrixci/internal/matrix"
	"matrixci/internal/runner"
	"matrixci/internal/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a matrix locally",
	Long: `Run every environment of a matrix on this machine and report the outcome.

The command exits non-zero unless every environment passes, so it can
gate scripts and push/PR automation directly. Environments run in
parallel up to --parallel; environments that reserve a GPU are
serialized onto the available --gpus slots. Ctrl-C cancels in-flight
phases and tears every execution context down before exiting.

Example:
  matrixctl run -f matrix.yaml
  matrixctl run -f matrix.yaml --only cpu --only cuda --gpus 1
  matrixctl run -f matrix.yaml --runtime exec --parallel 4`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		only, _ := flags.GetStringArray("only")
		runtimeName, _ := flags.GetString("runtime")
		parallel, _ := flags.GetInt("parallel")
		gpus, _ := flags.GetInt("gpus")
		workDir, _ := flags.GetString("workdir")
		phaseTimeout, _ := flags.GetDuration("phase-timeout")
		verbose, _ := flags.GetBool("verbose")

		m, err := matrix.Load(file)
		if err != nil {
			return err
		}
		if len(only) > 0 {
			if m.Environments, err = selectEnvironments(m.Environments, only); err != nil {
				return err
			}
		}

		rt, err := newLocalRuntime(runtimeName, workDir, gpus)
		if err != nil {
			return err
		}

		log := logger.NewConsole(cmd.ErrOrStderr(), verbose)

		// Ctrl-C cancels the whole batch; the runner still tears every
		// provisioned context down on the way out.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		jobRunner := runner.New(rt, runner.Config{
			DefaultPhaseTimeout: phaseTimeout,
			Sink:                runner.NewPrefixSink(cmd.OutOrStdout()),
			Logger:              log,
		})
		ctrl := matrix.NewController(jobRunner, parallel, rt.Capabilities().GPUSlots, log)

		report, err := ctrl.RunAll(ctx, m)
		if err != nil {
			return err
		}

		printReport(cmd, report)
		if !report.Passed() {
			return fmt.Errorf("failed environments: %s", strings.Join(report.FailedNames(), ", "))
		}
		return nil
	},
}

// selectEnvironments keeps the named environments in matrix order and
// rejects names the matrix does not define.
func selectEnvironments(envs []matrix.Descriptor, names []string) ([]matrix.Descriptor, error) {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = false
	}

	var selected []matrix.Descriptor
	for _, env := range envs {
		if _, ok := wanted[env.Name]; ok {
			wanted[env.Name] = true
			selected = append(selected, env)
		}
	}
	for name, found := range wanted {
		if !found {
			return nil, fmt.Errorf("no environment named %q in the matrix", name)
		}
	}
	return selected, nil
}

func newLocalRuntime(name, workDir string, gpuSlots int) (runtime.Runtime, error) {
	switch name {
	case "exec":
		rt := runtime.NewExecRuntime(workDir)
		rt.GPUSlots = gpuSlots
		return rt, nil
	case "docker":
		return runtime.NewDockerRuntime(runtime.DockerConfig{GPUSlots: gpuSlots})
	default:
		return nil, fmt.Errorf("unknown runtime %q (want docker or exec)", name)
	}
}

func printReport(cmd *cobra.Command, report *matrix.Report) {
	cmd.Println()
	cmd.Printf("%sMatrix %s%s\n", colorBold, report.Matrix, colorReset)
	cmd.Println("──────────────────────────────")

	for _, job := range report.Jobs {
		cmd.Printf("%s %s%s%s\n", statusIcon(string(job.Status)), colorBold, job.Environment, colorReset)
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
				colorCyan, formatDuration(phase.Duration), colorReset)
		}
		if job.Error != "" {
			cmd.Printf("    %s%s%s\n", colorRed, job.Error, colorReset)
		}
	}

	cmd.Println("──────────────────────────────")
	passed := len(report.Jobs) - len(report.Failed())
	elapsed := formatDuration(report.FinishedAt.Sub(report.StartedAt))
	if report.Passed() {
		cmd.Printf("%s✓ %d/%d environments passed%s in %s\n", colorGreen, passed, len(report.Jobs), colorReset, elapsed)
	} else {
		cmd.Printf("%s✗ %d/%d environments passed%s in %s\n", colorRed, passed, len(report.Jobs), colorReset, elapsed)
	}
}

func init() {
	flags := runCmd.Flags()
	flags.StringP("file", "f", "matrix.yaml", "Path to the matrix file")
	flags.StringArray("only", nil, "Run only the named environment (repeatable)")
	flags.String("runtime", "docker", "Runtime to execute on (docker or exec)")
	flags.IntP("parallel", "p", 2, "Maximum environments running at once")
	flags.Int("gpus", 0, "GPU slots the runtime may hand out")
	flags.String("workdir", "", "Scratch directory for the exec runtime")
	flags.Duration("phase-timeout", 30*time.Minute, "Default timeout per phase")
	flags.BoolP("verbose", "v", false, "Show runner debug logging")

	rootCmd.AddCommand(runCmd)
}
