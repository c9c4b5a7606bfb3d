// Package docker wraps the Docker SDK with the narrow command surface the
// backup subsystem needs: service container lookup, exec with piped
// stdin/stdout, and ephemeral helper containers for volume access.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client wraps the Docker client with utility methods.
type Client struct {
	docker *client.Client
}

// NewClient creates a new Docker client wrapper and verifies daemon
// connectivity.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err = cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot connect to Docker daemon: %w", err)
	}

	return &Client{docker: cli}, nil
}

// Mount describes one named-volume attachment of a container.
type Mount struct {
	Volume      string
	Destination string
}

// FindContainer retrieves container information by name or ID, including
// stopped containers.
func (c *Client) FindContainer(ctx context.Context, name string) (*types.Container, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	for _, ctr := range containers {
		if ctr.ID == name || strings.HasPrefix(ctr.ID, name) {
			return &ctr, nil
		}
		for _, containerName := range ctr.Names {
			if strings.TrimPrefix(containerName, "/") == name {
				return &ctr, nil
			}
		}
	}

	return nil, fmt.Errorf("container '%s' not found", name)
}

// ContainerMounts retrieves the named-volume attachments of a container.
func (c *Client) ContainerMounts(ctx context.Context, containerID string) ([]Mount, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	var mounts []Mount
	for _, m := range info.Mounts {
		if m.Type == "volume" && m.Name != "" {
			mounts = append(mounts, Mount{Volume: m.Name, Destination: m.Destination})
		}
	}

	return mounts, nil
}

// IsContainerRunning checks if a container is currently running.
func (c *Client) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return info.State.Running, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// EnsureVolume creates a named volume if it does not exist and returns its
// name.
func (c *Client) EnsureVolume(ctx context.Context, name string) (string, error) {
	if _, err := c.docker.VolumeInspect(ctx, name); err == nil {
		return name, nil
	} else if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("failed to inspect volume '%s': %w", name, err)
	}

	vol, err := c.docker.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to create volume '%s': %w", name, err)
	}
	return vol.Name, nil
}

// Exec runs a command inside a running container with piped stdin/stdout.
// Stderr is captured and reported on non-zero exit.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, stdin io.Reader, stdout io.Writer) error {
	exec, err := c.docker.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, stdin)
			_ = attach.CloseWrite()
		}()
	}

	if stdout == nil {
		stdout = io.Discard
	}
	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(stdout, &stderr, attach.Reader); err != nil {
		return fmt.Errorf("failed to stream exec output: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("command %q exited with code %d: %s",
			strings.Join(cmd, " "), inspect.ExitCode, tail(stderr.String(), 512))
	}
	return nil
}

// RunResult carries the outcome of a one-shot helper container.
type RunResult struct {
	ExitCode int64
	Stderr   string
}

// RunStreaming creates a one-shot container, streams its stdout into out, and
// waits for it to exit. The container is always removed. A non-zero exit is
// reported in the result rather than as an error so callers can wrap it in
// their own taxonomy.
func (c *Client) RunStreaming(ctx context.Context, config *container.Config, host *container.HostConfig, out io.Writer) (*RunResult, error) {
	config.AttachStdout = true
	config.AttachStderr = true

	resp, err := c.docker.ContainerCreate(ctx, config, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create helper container: %w", err)
	}
	defer func() {
		_ = c.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	attach, err := c.docker.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to helper container: %w", err)
	}
	defer attach.Close()

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start helper container: %w", err)
	}

	var stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(out, &stderr, attach.Reader)
		copyDone <- err
	}()

	statusCh, errCh := c.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("helper container wait failed: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	if err := <-copyDone; err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to stream helper output: %w", err)
	}

	return &RunResult{ExitCode: exitCode, Stderr: tail(stderr.String(), 1024)}, nil
}

// RunAndWait creates a one-shot container, waits for it to exit, and returns
// the exit code with captured output. The container is always removed.
func (c *Client) RunAndWait(ctx context.Context, config *container.Config, host *container.HostConfig) (*RunResult, error) {
	resp, err := c.docker.ContainerCreate(ctx, config, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create helper container: %w", err)
	}
	defer func() {
		_ = c.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start helper container: %w", err)
	}

	statusCh, errCh := c.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("helper container wait failed: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	var output string
	if exitCode != 0 {
		logs, logErr := c.docker.ContainerLogs(ctx, resp.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
		})
		if logErr == nil {
			data, _ := io.ReadAll(logs)
			_ = logs.Close()
			output = tail(string(data), 1024)
		}
	}

	return &RunResult{ExitCode: exitCode, Stderr: output}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
