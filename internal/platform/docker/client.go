package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/codeduel/internal/domain"
)

// cleanupTimeout bounds kill and remove calls, which run on a fresh context so
// they still happen after the caller's context is done.
const cleanupTimeout = 10 * time.Second

// pidsLimit caps process creation inside a sandbox.
const pidsLimit int64 = 64

// Client wraps the official Docker SDK client.
type Client struct {
	cli *client.Client
}

// Check if Client implements domain.ContainerRunner
var _ domain.ContainerRunner = (*Client)(nil)

// NewClient returns a Docker client after verifying the daemon answers a ping.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	slog.Info("Docker Client initialized successfully")
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// EnsureImage pulls imageName unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, imageName string) error {
	if _, err := c.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	slog.Info("Pulling image", "image", imageName)
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	// Drain the response body to ensure the pull completes properly.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	return nil
}

// Run executes spec in a fresh container with networking disabled and a hard
// memory limit. The container is always force-removed. When spec.Timeout
// elapses the container is killed and ErrSandboxTimeout is returned.
func (c *Client) Run(ctx context.Context, spec domain.ContainerSpec) (domain.Output, error) {
	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		WorkingDir:      spec.WorkingDir,
		Tty:             false,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Binds: spec.Binds,
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			PidsLimit: ptr(pidsLimit),
		},
	}, nil, nil, "")
	if err != nil {
		return domain.Output{}, fmt.Errorf("%w: create container: %v", domain.ErrEnvironment, err)
	}
	id := resp.ID
	slog.Debug("Container created", "containerID", id, "image", spec.Image)

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			slog.Error("Failed to remove container", "containerID", id, "error", err)
		}
	}()

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	if err := c.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return domain.Output{}, fmt.Errorf("%w: start container: %v", domain.ErrEnvironment, err)
	}

	var exitCode int64
	statusCh, errCh := c.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			c.kill(id)
			return domain.Output{}, domain.ErrSandboxTimeout
		}
		return domain.Output{}, fmt.Errorf("%w: wait container: %v", domain.ErrEnvironment, err)
	case status := <-statusCh:
		if status.Error != nil {
			return domain.Output{}, fmt.Errorf("%w: container wait: %s", domain.ErrEnvironment, status.Error.Message)
		}
		exitCode = status.StatusCode
	case <-runCtx.Done():
		c.kill(id)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.Output{}, domain.ErrSandboxTimeout
		}
		return domain.Output{}, runCtx.Err()
	}

	logs, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return domain.Output{}, fmt.Errorf("%w: read logs: %v", domain.ErrEnvironment, err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return domain.Output{}, fmt.Errorf("%w: demux logs: %v", domain.ErrEnvironment, err)
	}

	slog.Debug("Container finished", "containerID", id, "exitCode", exitCode)
	return domain.Output{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func (c *Client) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		slog.Warn("Failed to kill container", "containerID", id, "error", err)
	}
}

func ptr[T any](v T) *T { return &v }
