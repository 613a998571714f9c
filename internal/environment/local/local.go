// Package local runs cell steps directly on the host.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/otiai10/copy"
	"github.com/spachava753/matrixci/internal/environment"
)

// Provider implements the local environment provider.
type Provider struct {
	// BaseDir holds per-cell working directories. Defaults to os.TempDir().
	BaseDir string
}

// NewProvider creates a new local provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "local"
}

// PullImage is a no-op: local environments have no image.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	return nil
}

// CreateEnvironment prepares an empty working directory on the host.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	dir, err := os.MkdirTemp(p.BaseDir, "matrixci-")
	if err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	slog.Debug("local environment created", "dir", dir)

	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}
	return &LocalEnvironment{dir: dir, env: env}, nil
}

// LocalEnvironment is a working directory on the host.
type LocalEnvironment struct {
	dir string
	env map[string]string
}

// ID returns the working directory.
func (e *LocalEnvironment) ID() string {
	return e.dir
}

// Workdir returns the working directory.
func (e *LocalEnvironment) Workdir() string {
	return e.dir
}

func (e *LocalEnvironment) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.dir, p)
}

// CopyTo copies a local file or directory into the working directory.
func (e *LocalEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	if err := copy.Copy(src, e.resolve(dst)); err != nil {
		return fmt.Errorf("copying to environment: %w", err)
	}
	return nil
}

// CopyFrom copies a file or directory out of the working directory.
func (e *LocalEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	if err := copy.Copy(e.resolve(src), dst); err != nil {
		return fmt.Errorf("copying from environment: %w", err)
	}
	return nil
}

// Exec runs cmd with the configured shell on the host.
func (e *LocalEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	argv := environment.ShellCommand(opts.Shell, cmd)
	execCmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	execCmd.Dir = e.dir
	if opts.WorkDir != "" {
		execCmd.Dir = e.resolve(opts.WorkDir)
	}
	execCmd.Env = mergeEnv(os.Environ(), e.env, opts.Env)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err := execCmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return -1, environment.ErrExecTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}
	return 0, nil
}

// Destroy removes the working directory.
func (e *LocalEnvironment) Destroy(ctx context.Context) error {
	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("removing work directory: %w", err)
	}
	return nil
}

// mergeEnv appends the overlays to base in order, later values winning.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	out := append([]string{}, base...)
	for _, m := range overlays {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, k+"="+m[k])
		}
	}
	return out
}
