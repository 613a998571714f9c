package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/matrixci/internal/environment"
)

// WorkspaceDir is the working directory inside the container.
const WorkspaceDir = "/workspace"

// Provider implements the Docker environment provider.
type Provider struct{}

// NewProvider creates a new Docker provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "docker"
}

// PullImage pulls a pre-built image from a registry.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	cmd := exec.CommandContext(ctx, "docker", "pull", "--quiet", imageRef)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling docker image: %w: %s", err, stderr.String())
	}

	return nil
}

// CreateEnvironment creates and starts a Docker container.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	if opts.ImageRef == "" {
		return nil, errors.New("docker runner requires an image")
	}
	containerID := opts.Name
	if containerID == "" {
		containerID = fmt.Sprintf("matrixci-%d", time.Now().UnixNano())
	}

	args := runArgs(containerID, opts)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("creating docker container: %w: %s", err, stderr.String())
	}
	slog.Debug("docker container created", "container", containerID, "image", opts.ImageRef)

	return &DockerEnvironment{
		containerID: containerID,
	}, nil
}

// runArgs builds the `docker run` arguments for a cell container.
func runArgs(name string, opts environment.CreateEnvironmentOptions) []string {
	args := []string{
		"run",
		"-d",
		"--name", name,
		"-w", WorkspaceDir,
	}

	if opts.HostNetwork {
		args = append(args, "--network", "host")
	}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	args = append(args, opts.ImageRef)
	// Keep container running with sleep infinity
	args = append(args, "sleep", "infinity")
	return args
}

// DockerEnvironment represents a running Docker container.
type DockerEnvironment struct {
	containerID string
}

// ID returns the container ID.
func (e *DockerEnvironment) ID() string {
	return e.containerID
}

// Workdir returns the workspace mount point.
func (e *DockerEnvironment) Workdir() string {
	return WorkspaceDir
}

func resolve(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(WorkspaceDir, p)
}

// CopyTo copies a local file or directory into the container.
func (e *DockerEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	dst = resolve(dst)
	// Ensure dst directory exists
	dstDir := path.Dir(dst)
	if dstDir != "/" && dstDir != "." {
		mkdirCmd := exec.CommandContext(ctx, "docker", "exec", e.containerID, "mkdir", "-p", dstDir)
		if err := mkdirCmd.Run(); err != nil {
			return fmt.Errorf("creating directory %s: %w", dstDir, err)
		}
	}

	// directories are merged into dst, as the other providers do
	if info, err := os.Stat(src); err == nil && info.IsDir() {
		src = filepath.Clean(src) + string(filepath.Separator) + "."
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", src, fmt.Sprintf("%s:%s", e.containerID, dst))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying to container: %w: %s", err, stderr.String())
	}
	return nil
}

// CopyFrom copies a file or directory from the container to local path.
func (e *DockerEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	// Ensure dst directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", fmt.Sprintf("%s:%s", e.containerID, resolve(src)), dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying from container: %w: %s", err, stderr.String())
	}
	return nil
}

// Exec executes a command in the container.
func (e *DockerEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := execArgs(e.containerID, cmd, opts)

	execCmd := exec.CommandContext(ctx, "docker", args...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err := execCmd.Run()
	// Check for context timeout
	if ctx.Err() == context.DeadlineExceeded {
		return -1, environment.ErrExecTimeout
	}
	if err != nil {
		// Try to extract exit code
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}

	return 0, nil
}

func execArgs(containerID, cmd string, opts environment.ExecOptions) []string {
	args := []string{"exec"}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", resolve(opts.WorkDir))
	}

	args = append(args, containerID)
	return append(args, environment.ShellCommand(opts.Shell, cmd)...)
}

// Destroy removes the container and cleans up resources.
func (e *DockerEnvironment) Destroy(ctx context.Context) error {
	// Force remove the container
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", e.containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Ignore error if container already removed
		if !strings.Contains(stderr.String(), "No such container") {
			return fmt.Errorf("removing container: %w", err)
		}
	}
	return nil
}
