package environment

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrExecTimeout is returned by Exec when the command exceeds its timeout.
var ErrExecTimeout = errors.New("command timed out")

// Environment represents a running runner environment for one matrix cell.
type Environment interface {
	// ID returns the unique identifier for this environment.
	ID() string

	// Workdir returns the directory steps run in when no working-directory is given.
	Workdir() string

	// CopyTo copies a local file or directory into the environment. The
	// contents of a directory are merged into dst.
	CopyTo(ctx context.Context, src, dst string) error

	// CopyFrom copies a file or directory from the environment to local path.
	CopyFrom(ctx context.Context, src, dst string) error

	// Exec executes a command in the environment, streaming stdout and stderr to the provided writers.
	// Returns the exit code, or ErrExecTimeout when opts.Timeout elapses.
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts ExecOptions) (int, error)

	// Destroy removes the environment and cleans up all resources.
	Destroy(ctx context.Context) error
}

// ExecOptions configures command execution.
type ExecOptions struct {
	Env     map[string]string
	Timeout time.Duration
	WorkDir string
	Shell   string // defaults to bash
}

// Provider is a factory for creating environments.
type Provider interface {
	// Name returns the provider name (e.g., "local", "docker", "modal").
	Name() string

	// PullImage pulls a pre-built image from a registry.
	PullImage(ctx context.Context, imageRef string) error

	// CreateEnvironment creates and starts a new environment.
	CreateEnvironment(ctx context.Context, opts CreateEnvironmentOptions) (Environment, error)
}

// CreateEnvironmentOptions configures environment creation.
type CreateEnvironmentOptions struct {
	Name     string
	ImageRef string
	CPUs     int
	MemoryMB int
	Env      map[string]string
	// HostNetwork lets the environment reach services listening on the host.
	HostNetwork bool
}

// ShellCommand returns the argv that runs cmd with the given shell.
func ShellCommand(shell, cmd string) []string {
	switch shell {
	case "", "bash":
		return []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "-c", cmd}
	case "sh":
		return []string{"sh", "-e", "-c", cmd}
	case "python":
		return []string{"python", "-c", cmd}
	default:
		return []string{shell, "-c", cmd}
	}
}
