package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

// defaultKeepAlive keeps the container running between phase commands.
var defaultKeepAlive = []string{"sleep", "infinity"}

// DockerConfig configures the Docker runtime.
type DockerConfig struct {
	// GPUSlots is how many GPU environments the host can run at once.
	GPUSlots int
	// KeepAliveCommand overrides the command that idles the container.
	KeepAliveCommand []string
}

// DockerRuntime provisions one long-lived container per environment and
// execs phase commands into it.
type DockerRuntime struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerRuntime creates a Docker runtime from the environment
// (DOCKER_HOST etc.).
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("Failed to create Docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, cfg: cfg}, nil
}

func (d *DockerRuntime) Capabilities() Capabilities {
	return Capabilities{Name: "docker", GPUSlots: d.cfg.GPUSlots}
}

// Provision pulls the image if needed, then starts an idling container
// with the environment's limits applied.
func (d *DockerRuntime) Provision(ctx context.Context, spec ContextSpec) (ExecContext, error) {
	if _, err := d.cli.ImageInspect(ctx, spec.Image); err != nil {
		reader, err := d.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("Failed to pull image %s: %w", spec.Image, err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	hostCfg, exposed, err := buildHostConfig(spec)
	if err != nil {
		return nil, err
	}

	keepAlive := d.cfg.KeepAliveCommand
	if len(keepAlive) == 0 {
		keepAlive = defaultKeepAlive
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          keepAlive,
		Env:          mapToEnvList(spec.Env),
		WorkingDir:   spec.Workdir,
		ExposedPorts: exposed,
		Labels: map[string]string{
			"app.kubernetes.io/managed-by": "matrixci",
			"matrixci.environment":         spec.Name,
		},
	}

	name := fmt.Sprintf("matrixci-%s-%d", sanitizeName(spec.Name), time.Now().UnixNano())
	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("Failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("Failed to start container: %w", err)
	}

	return &dockerContext{cli: d.cli, id: created.ID}, nil
}

// buildHostConfig maps environment limits onto Docker host config. It is
// kept free of client calls so the mapping is testable without a daemon.
func buildHostConfig(spec ContextSpec) (*container.HostConfig, nat.PortSet, error) {
	hostCfg := &container.HostConfig{Binds: spec.Mounts}

	var exposed nat.PortSet
	if len(spec.Ports) > 0 {
		ports, bindings, err := nat.ParsePortSpecs(spec.Ports)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port spec: %w", err)
		}
		exposed = ports
		hostCfg.PortBindings = bindings
	}

	res := container.Resources{
		Memory:   spec.MemoryBytes,
		NanoCPUs: spec.NanoCPUs,
	}
	if spec.MemLockBytes != 0 {
		res.Ulimits = append(res.Ulimits, &units.Ulimit{Name: "memlock", Soft: spec.MemLockBytes, Hard: spec.MemLockBytes})
	}
	if spec.StackBytes != 0 {
		res.Ulimits = append(res.Ulimits, &units.Ulimit{Name: "stack", Soft: spec.StackBytes, Hard: spec.StackBytes})
	}
	if spec.GPUs > 0 {
		res.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	hostCfg.Resources = res
	return hostCfg, exposed, nil
}

type dockerContext struct {
	cli *client.Client
	id  string
}

func (c *dockerContext) ID() string {
	return c.id
}

func (c *dockerContext) Exec(ctx context.Context, command string, output io.Writer) (ExecResult, error) {
	created, err := c.cli.ContainerExecCreate(ctx, c.id, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("Failed to create exec: %w", err)
	}

	att, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("Failed to attach to exec: %w", err)
	}
	defer att.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(output, output, att.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		// Docker has no API to kill a running exec; a timed out command
		// is left to the container teardown.
		att.Close()
		<-copyDone
		return ExecResult{ExitCode: -1}, ctx.Err()
	case copyErr := <-copyDone:
		if copyErr != nil {
			if ctx.Err() != nil {
				return ExecResult{ExitCode: -1}, ctx.Err()
			}
			return ExecResult{ExitCode: -1}, fmt.Errorf("Failed to read exec output: %w", copyErr)
		}
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("Failed to inspect exec: %w", err)
	}
	return ExecResult{ExitCode: inspect.ExitCode}, nil
}

func (c *dockerContext) Teardown(ctx context.Context) error {
	if err := c.cli.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("Failed to remove container: %w", err)
	}
	return nil
}

func mapToEnvList(env map[string]string) []string {
	var list []string
	for k, v := range env {
		list = append(list, fmt.Sprintf("%s=%s", k, v))
	}
	return list
}

// sanitizeName makes an environment name safe for container and pod
// names.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "env"
	}
	if len(s) > 20 {
		s = s[:20]
	}
	return s
}
