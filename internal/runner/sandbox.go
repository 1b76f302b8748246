package runner

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Result is what a Sandbox run produced once the container has exited
// (or been killed).
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox spawns an isolated, resource-capped execution of source code
// and reports its outcome. Implementations must apply every resource cap:
// memory, CPU share, wall timeout, no network, read-only root filesystem
// with a scratch tmpfs, and a non-root user.
type Sandbox interface {
	// Spawn starts execution and returns immediately with a container
	// identifier; it does not block for completion.
	Spawn(ctx context.Context, languageTag, sourceText string, memoryMB, cpuShares int64) (containerID string, err error)
	// Await blocks until the container exits (or ctx is done, in which
	// case it force-kills the container first) and returns its result.
	Await(ctx context.Context, containerID string) (Result, error)
	// Kill terminates a still-running container.
	Kill(ctx context.Context, containerID string) error
	Close() error
}

// languageImages maps a supported language tag to the image used to
// execute it. Only python3 is supported per eval.SupportedLanguages.
var languageImages = map[string]string{
	"python3": "python:3.12-alpine",
}

// DockerSandbox is the production Sandbox, grounded on the Docker
// Engine API's container lifecycle: create, start, wait, log.
type DockerSandbox struct {
	client    *client.Client
	workspace string
}

// NewDockerSandbox opens a Docker client against the local daemon.
// workspace is a host directory mounted read-only into each container
// as the program's source file location.
func NewDockerSandbox(workspace string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSandbox{client: cli, workspace: workspace}, nil
}

func (d *DockerSandbox) Spawn(ctx context.Context, languageTag, sourceText string, memoryMB, cpuShares int64) (string, error) {
	image, ok := languageImages[languageTag]
	if !ok {
		return "", fmt.Errorf("unsupported language tag %q", languageTag)
	}

	entrypoint := []string{"python3", "-c", sourceText}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        entrypoint,
		WorkingDir: "/workspace",
		User:       "65534:65534", // nobody:nogroup
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    memoryMB * 1024 * 1024,
			CPUShares: cpuShares,
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/workspace": "size=16m,mode=1777"},
		AutoRemove:     false, // the Runner removes explicitly once logs are captured
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerSandbox) Await(ctx context.Context, containerID string) (Result, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return Result{}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{ExitCode: 137}, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{ExitCode: exitCode}, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	_ = d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})

	return Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
	}, nil
}

func (d *DockerSandbox) Kill(ctx context.Context, containerID string) error {
	if err := d.client.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		if strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
