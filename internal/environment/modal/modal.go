package modal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/modal-labs/libmodal/modal-go"
	"github.com/spachava753/matrixci/internal/environment"
)

// WorkspaceDir is the working directory inside the sandbox.
const WorkspaceDir = "/workspace"

// ProviderConfig holds Modal-specific configuration.
type ProviderConfig struct {
	// AppName is the name of the Modal app to use. If empty, a unique name is generated.
	AppName string
	// Regions specifies the Modal regions (e.g., "us-east", "us-west").
	Regions []string
	// Verbose enables detailed sandbox logging.
	Verbose bool
}

// ParseProviderConfig extracts Modal-specific config from the generic config map.
func ParseProviderConfig(config map[string]any) ProviderConfig {
	pc := ProviderConfig{}
	if config == nil {
		return pc
	}
	if v, ok := config["app_name"].(string); ok {
		pc.AppName = v
	}
	if v, ok := config["region"].(string); ok {
		pc.Regions = []string{v}
	}
	if v, ok := config["regions"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				pc.Regions = append(pc.Regions, s)
			}
		}
	}
	if v, ok := config["verbose"].(bool); ok {
		pc.Verbose = v
	}
	return pc
}

// Provider implements the Modal environment provider using Modal Sandboxes.
type Provider struct {
	client *modal.Client
	config ProviderConfig
}

// NewProvider creates a new Modal provider.
func NewProvider(config ProviderConfig) (*Provider, error) {
	slog.Debug("initializing modal client")
	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Provider{
		client: client,
		config: config,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "modal"
}

// PullImage pulls a pre-built image from a registry.
// For Modal, this is a no-op since Modal handles image pulling internally.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	slog.Debug("modal pull is no-op - handled internally", "image", imageRef)
	return nil
}

// sandboxParams derives the sandbox resources from the runner options.
func sandboxParams(opts environment.CreateEnvironmentOptions, config ProviderConfig) *modal.SandboxCreateParams {
	cpuCount := opts.CPUs
	if cpuCount <= 0 {
		cpuCount = 1
	}
	memoryMiB := opts.MemoryMB
	if memoryMiB <= 0 {
		memoryMiB = 2048
	}

	envVars := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		envVars[k] = v
	}

	return &modal.SandboxCreateParams{
		CPU:       float64(cpuCount),
		MemoryMiB: memoryMiB,
		Env:       envVars,
		Timeout:   24 * time.Hour, // Maximum allowed
		Verbose:   config.Verbose,
		Regions:   config.Regions,
	}
}

// CreateEnvironment creates and starts a Modal sandbox from a registry image.
// The sandbox starts with an empty WorkspaceDir.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	if opts.HostNetwork {
		return nil, errors.New("modal sandboxes cannot reach services on the local host")
	}
	if opts.ImageRef == "" {
		return nil, errors.New("modal runner requires an image")
	}

	appName := p.config.AppName
	if appName == "" {
		appName = opts.Name
	}
	if appName == "" {
		appName = fmt.Sprintf("matrixci-%d", time.Now().UnixNano())
	}

	slog.Debug("creating modal app", "name", appName)

	// Get or create the Modal app
	app, err := p.client.Apps.FromName(ctx, appName, &modal.AppFromNameParams{
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal app: %w", err)
	}

	slog.Debug("using registry image for modal", "image", opts.ImageRef)
	image := p.client.Images.FromRegistry(opts.ImageRef, nil)

	params := sandboxParams(opts, p.config)
	slog.Debug("creating modal sandbox",
		"app", appName,
		"cpus", params.CPU,
		"memory_mib", params.MemoryMiB,
		"regions", params.Regions)

	sandbox, err := p.client.Sandboxes.Create(ctx, app, image, params)
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}

	slog.Debug("modal sandbox created", "sandbox_id", sandbox.SandboxID)

	env := &ModalEnvironment{
		sandbox: sandbox,
		appName: appName,
		// Apps named by the config are shared between cells and left running.
		ownsApp: p.config.AppName == "",
	}
	if _, err := env.execSimple(ctx, "mkdir -p "+WorkspaceDir); err != nil {
		env.Destroy(context.Background())
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return env, nil
}

// ModalEnvironment represents a running Modal sandbox.
type ModalEnvironment struct {
	sandbox *modal.Sandbox
	appName string
	ownsApp bool
}

// ID returns the sandbox ID.
func (e *ModalEnvironment) ID() string {
	return e.sandbox.SandboxID
}

// Workdir returns the workspace directory inside the sandbox.
func (e *ModalEnvironment) Workdir() string {
	return WorkspaceDir
}

func resolve(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(WorkspaceDir, p)
}

// CopyTo copies a local file or directory into the sandbox.
func (e *ModalEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	dst = resolve(dst)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	// Ensure destination directory exists via exec
	dstDir := path.Dir(dst)
	if dstDir != "/" && dstDir != "." {
		if _, err := e.execSimple(ctx, fmt.Sprintf("mkdir -p %q", dstDir)); err != nil {
			return fmt.Errorf("creating directory %s: %w", dstDir, err)
		}
	}

	slog.Debug("copying to modal sandbox",
		"sandbox_id", e.sandbox.SandboxID,
		"src", src,
		"dst", dst,
		"is_dir", info.IsDir())

	if info.IsDir() {
		return e.copyDirTo(ctx, src, dst)
	}
	return e.copyFileTo(ctx, src, dst)
}

// copyFileTo copies a single file to the sandbox.
func (e *ModalEnvironment) copyFileTo(ctx context.Context, src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	f, err := e.sandbox.Open(ctx, dst, "w")
	if err != nil {
		return fmt.Errorf("opening destination file: %w", err)
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing to destination: %w", err)
	}

	if err := f.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing file: %w", err)
	}

	return f.Close()
}

// copyDirTo recursively copies a directory to the sandbox.
func (e *ModalEnvironment) copyDirTo(ctx context.Context, src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}

		dstPath := path.Join(dst, filepath.ToSlash(relPath))

		if info.IsDir() {
			_, err := e.execSimple(ctx, fmt.Sprintf("mkdir -p %q", dstPath))
			return err
		}

		return e.copyFileTo(ctx, p, dstPath)
	})
}

// CopyFrom copies a file or directory from the sandbox to local path.
func (e *ModalEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	src = resolve(src)
	slog.Debug("copying from modal sandbox",
		"sandbox_id", e.sandbox.SandboxID,
		"src", src,
		"dst", dst)

	exitCode, _ := e.execSimple(ctx, fmt.Sprintf("test -d %q", src))
	if exitCode == 0 {
		return e.copyDirFrom(ctx, src, dst)
	}
	return e.copyFileFrom(ctx, src, dst)
}

// copyFileFrom copies a single file from the sandbox.
func (e *ModalEnvironment) copyFileFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	f, err := e.sandbox.Open(ctx, src, "r")
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}

	content, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	if err := os.WriteFile(dst, content, 0644); err != nil {
		return fmt.Errorf("writing destination file: %w", err)
	}

	return nil
}

// copyDirFrom recursively copies a directory from the sandbox.
func (e *ModalEnvironment) copyDirFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	var stdout strings.Builder
	process, err := e.sandbox.Exec(ctx, []string{"find", src, "-maxdepth", "1", "-mindepth", "1"}, &modal.SandboxExecParams{})
	if err != nil {
		return fmt.Errorf("listing sandbox directory: %w", err)
	}

	io.Copy(&stdout, process.Stdout)
	if _, err := process.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for find: %w", err)
	}

	for _, entry := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if entry == "" {
			continue
		}

		dstPath := filepath.Join(dst, path.Base(entry))

		exitCode, _ := e.execSimple(ctx, fmt.Sprintf("test -d %q", entry))
		if exitCode == 0 {
			if err := e.copyDirFrom(ctx, entry, dstPath); err != nil {
				return err
			}
		} else {
			if err := e.copyFileFrom(ctx, entry, dstPath); err != nil {
				return err
			}
		}
	}

	return nil
}

// execSimple runs a simple command and returns the exit code.
func (e *ModalEnvironment) execSimple(ctx context.Context, cmd string) (int, error) {
	process, err := e.sandbox.Exec(ctx, []string{"bash", "-c", cmd}, &modal.SandboxExecParams{})
	if err != nil {
		return -1, err
	}
	io.Copy(io.Discard, process.Stdout)
	io.Copy(io.Discard, process.Stderr)
	return process.Wait(ctx)
}

// Exec executes a command in the sandbox.
func (e *ModalEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	execParams := &modal.SandboxExecParams{
		Env:     opts.Env,
		Timeout: opts.Timeout,
		Workdir: WorkspaceDir,
	}
	if opts.WorkDir != "" {
		execParams.Workdir = resolve(opts.WorkDir)
	}

	// Truncate command for logging
	cmdPreview := cmd
	if len(cmdPreview) > 100 {
		cmdPreview = cmdPreview[:100] + "..."
	}
	slog.Debug("executing command in modal sandbox",
		"sandbox_id", e.sandbox.SandboxID,
		"command", cmdPreview,
		"timeout", opts.Timeout)

	process, err := e.sandbox.Exec(ctx, environment.ShellCommand(opts.Shell, cmd), execParams)
	if err != nil {
		return -1, fmt.Errorf("executing command: %w", err)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	// Stream stdout and stderr concurrently
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stdout, process.Stdout)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(stderr, process.Stderr)
		done <- struct{}{}
	}()
	<-done
	<-done

	exitCode, err := process.Wait(ctx)
	if ctx.Err() == context.DeadlineExceeded {
		return -1, environment.ErrExecTimeout
	}
	if err != nil {
		return -1, fmt.Errorf("waiting for process: %w", err)
	}

	if exitCode != 0 {
		slog.Debug("command exited with non-zero code",
			"sandbox_id", e.sandbox.SandboxID,
			"exit_code", exitCode)
	}

	return exitCode, nil
}

// Destroy terminates the sandbox and, for generated app names, stops the app.
func (e *ModalEnvironment) Destroy(ctx context.Context) error {
	slog.Debug("destroying modal sandbox", "sandbox_id", e.sandbox.SandboxID, "app", e.appName)

	if err := e.sandbox.Terminate(ctx); err != nil {
		if !strings.Contains(err.Error(), "already terminated") &&
			!strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("terminating sandbox: %w", err)
		}
	}

	if !e.ownsApp {
		return nil
	}
	// The modal-go SDK doesn't expose AppStop on the public API, so we use the CLI.
	if err := stopApp(ctx, e.appName); err != nil {
		return fmt.Errorf("stopping app: %w", err)
	}

	slog.Debug("modal sandbox destroyed", "sandbox_id", e.sandbox.SandboxID)
	return nil
}

// stopApp stops the Modal app using the modal CLI.
func stopApp(ctx context.Context, appName string) error {
	modalPath, err := exec.LookPath("modal")
	if err != nil {
		return fmt.Errorf("modal CLI not found: the modal-go SDK does not expose the AppStop API, " +
			"so the CLI is required to clean up apps. Install it with: pip install modal")
	}

	cmd := exec.CommandContext(ctx, modalPath, "app", "stop", appName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Ignore errors if app is already stopped or not found
		outStr := string(output)
		if strings.Contains(outStr, "already stopped") ||
			strings.Contains(outStr, "not found") ||
			strings.Contains(outStr, "Could not find") {
			return nil
		}
		return fmt.Errorf("modal app stop failed: %s", outStr)
	}
	return nil
}
