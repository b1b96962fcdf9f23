// Package docker runs each job attempt in a disposable container via the
// Docker Engine API. The container only provides isolation for commands;
// file tools operate host-side on the bind-mounted workspace so they work
// even while a command is running inside.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/domain"
)

const (
	containerNamePrefix = "agentd-sbx-"
	managedLabel        = "agentd.managed"
	jobLabel            = "agentd.job"
	workspaceMount      = "/workspace"
)

// engineClient is the slice of the Docker SDK the executor uses; tests
// stand in a fake.
type engineClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Config carries the resource caps applied to every sandbox.
type Config struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	OutputLimit int
	NetworkMode string
}

// Runner implements domain.SandboxRunner on the Docker Engine.
type Runner struct {
	cli engineClient
	cfg Config
}

// NewClient dials the engine from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=sandbox.client: %w", err)
	}
	return cli, nil
}

// NewRunner constructs a Runner over an engine client.
func NewRunner(cli engineClient, cfg Config) *Runner {
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 5000
	}
	return &Runner{cli: cli, cfg: cfg}
}

// ContainerName returns the deterministic container name for a job. The
// reaper depends on this pattern to find leftovers.
func ContainerName(jobID string) string { return containerNamePrefix + jobID }

// Launch implements domain.SandboxRunner. Any engine failure maps to
// ErrSandboxStart so the retry policy treats it as transient.
func (r *Runner) Launch(ctx context.Context, spec domain.SandboxSpec) (domain.Sandbox, error) {
	if err := os.MkdirAll(spec.Workspace, 0o755); err != nil {
		observability.RecordSandboxLaunch("error")
		return nil, fmt.Errorf("op=sandbox.launch workspace: %v: %w", err, domain.ErrSandboxStart)
	}

	pids := r.cfg.PidsLimit
	hostCfg := &container.HostConfig{
		Binds: []string{spec.Workspace + ":" + workspaceMount},
		Resources: container.Resources{
			Memory:    r.cfg.MemoryBytes,
			NanoCPUs:  r.cfg.NanoCPUs,
			PidsLimit: &pids,
		},
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: spec.ReadOnlyRoot,
	}
	if r.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(r.cfg.NetworkMode)
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workspaceMount,
		Labels: map[string]string{
			managedLabel: "true",
			jobLabel:     spec.JobID,
		},
	}
	if len(spec.ExposedPorts) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range spec.ExposedPorts {
			port, err := nat.NewPort("tcp", strconv.Itoa(p))
			if err != nil {
				observability.RecordSandboxLaunch("error")
				return nil, fmt.Errorf("op=sandbox.launch port=%d: %v: %w", p, err, domain.ErrSandboxStart)
			}
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
		}
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, ContainerName(spec.JobID))
	if err != nil {
		observability.RecordSandboxLaunch("error")
		return nil, fmt.Errorf("op=sandbox.launch create: %v: %w", err, domain.ErrSandboxStart)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-born container.
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		observability.RecordSandboxLaunch("error")
		return nil, fmt.Errorf("op=sandbox.launch start: %v: %w", err, domain.ErrSandboxStart)
	}

	observability.RecordSandboxLaunch("ok")
	slog.Info("sandbox launched",
		slog.String("job_id", spec.JobID),
		slog.Int("attempt", spec.Attempt),
		slog.String("container_id", created.ID[:12]),
		slog.String("image", spec.Image))

	box := &Box{
		cli:         r.cli,
		containerID: created.ID,
		jobID:       spec.JobID,
		workspace:   spec.Workspace,
		outputLimit: r.cfg.OutputLimit,
	}
	box.tools = baseTools()
	return box, nil
}

// Box is one live sandbox bound to one job attempt.
type Box struct {
	cli         engineClient
	containerID string
	jobID       string
	workspace   string
	outputLimit int
	tools       map[string]toolHandler
	closed      bool
}

// Workspace implements domain.Sandbox.
func (b *Box) Workspace() string { return b.workspace }

// Close implements domain.Sandbox. It is idempotent and must succeed even
// when the run was cancelled, so removal uses a background-friendly force.
func (b *Box) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	observability.RecordSandboxClose()
	err := b.cli.ContainerRemove(ctx, b.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		slog.Error("sandbox remove failed",
			slog.String("job_id", b.jobID),
			slog.String("container_id", b.containerID[:12]),
			slog.Any("error", err))
		return fmt.Errorf("op=sandbox.close: %w", err)
	}
	slog.Info("sandbox removed", slog.String("job_id", b.jobID))
	return nil
}

// execCommand runs a shell command inside the container and returns stdout,
// stderr, and the exit status.
func (b *Box) execCommand(ctx context.Context, cmd string, timeout time.Duration) (string, string, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execResp, err := b.cli.ContainerExecCreate(ctx, b.containerID, container.ExecOptions{
		Cmd:          []string{"bash", "-lc", cmd},
		WorkingDir:   workspaceMount,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()
	select {
	case <-ctx.Done():
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("exec read: %w", copyErr)
		}
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("exec inspect: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// ReapOrphans removes containers left behind by crashed workers. It matches
// only the managed label so it can never touch foreign containers.
func ReapOrphans(ctx context.Context, cli engineClient) (int, error) {
	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("op=sandbox.reap list: %w", err)
	}
	removed := 0
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			slog.Error("orphan remove failed",
				slog.String("container_id", c.ID[:12]),
				slog.String("job_id", c.Labels[jobLabel]),
				slog.Any("error", err))
			continue
		}
		removed++
		slog.Warn("orphan sandbox removed",
			slog.String("container_id", c.ID[:12]),
			slog.String("job_id", c.Labels[jobLabel]))
	}
	return removed, nil
}
