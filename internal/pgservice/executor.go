package pgservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sethvargo/go-retry"
)

const readyMessage = "database system is ready to accept connections"

// ResolveExecutable returns the pg_ctl to use. An explicit executable is
// returned as given. Otherwise pg_ctl is looked up on PATH, then in the
// directory reported by `pg_config --bindir`.
func ResolveExecutable(ctx context.Context, executable string) (string, error) {
	if executable != "" {
		return executable, nil
	}
	if p, err := exec.LookPath("pg_ctl"); err == nil {
		return p, nil
	}
	pgConfig, err := exec.LookPath("pg_config")
	if err != nil {
		return "", fmt.Errorf("%w: neither pg_ctl nor pg_config is on PATH", ErrExecutableMissing)
	}
	out, err := exec.CommandContext(ctx, pgConfig, "--bindir").Output()
	if err != nil {
		return "", fmt.Errorf("running pg_config --bindir: %w", err)
	}
	p := filepath.Join(strings.TrimSpace(string(out)), "pg_ctl")
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutableMissing, p)
	}
	return p, nil
}

// Executor drives a throwaway PostgreSQL server through pg_ctl.
type Executor struct {
	Executable      string
	Host            string
	Port            int
	User            string
	DataDir         string
	UnixSocketDir   string
	LogFile         string
	StartParams     string
	PostgresOptions string
	Timeout         time.Duration

	initialised bool
}

func (e *Executor) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.Executable, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C.UTF-8", "LC_CTYPE=C.UTF-8", "LANG=C.UTF-8")
	return cmd
}

// Version runs `pg_ctl --version`.
func (e *Executor) Version(ctx context.Context) (*semver.Version, error) {
	out, err := e.command(ctx, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s --version: %w", e.Executable, err)
	}
	return ParseVersion(string(out))
}

// InitDirectory creates a fresh data directory, removing any stale one first.
// It is a no-op once the directory has been initialised by this executor.
func (e *Executor) InitDirectory(ctx context.Context) error {
	if e.initialised {
		return nil
	}
	if err := e.Remove(); err != nil {
		return err
	}
	cmd := e.command(ctx, "initdb",
		"-o", fmt.Sprintf("--auth=trust --username=%s", e.User),
		"-D", e.DataDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("initdb: %w: %s", err, out)
	}
	e.initialised = true
	return nil
}

// StartArgs returns the pg_ctl arguments that start the server.
func (e *Executor) StartArgs() []string {
	opts := fmt.Sprintf("-F -p %d -c log_destination='stderr' -c logging_collector=off -c unix_socket_directories='%s'",
		e.Port, e.UnixSocketDir)
	if e.Host != "" {
		opts += fmt.Sprintf(" -c listen_addresses='%s'", e.Host)
	}
	if e.PostgresOptions != "" {
		opts += " " + e.PostgresOptions
	}
	args := []string{"start", "-D", e.DataDir, "-o", opts, "-l", e.LogFile}
	return append(args, strings.Fields(e.StartParams)...)
}

// Start checks the server version, initialises the data directory and starts
// the server, waiting until it accepts connections.
func (e *Executor) Start(ctx context.Context) error {
	v, err := e.Version(ctx)
	if err != nil {
		return err
	}
	if v.LessThan(MinVersion) {
		return fmt.Errorf("%w: installed PostgreSQL is %s, need %s or later", ErrUnsupportedVersion, v.Original(), MinVersion.Original())
	}
	if err := e.InitDirectory(ctx); err != nil {
		return err
	}

	slog.Debug("starting postgresql", "pg_ctl", e.Executable, "port", e.Port, "datadir", e.DataDir)
	var stderr bytes.Buffer
	cmd := e.command(ctx, e.StartArgs()...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pg_ctl start: %w: %s", err, stderr.String())
	}
	return e.waitReady(ctx)
}

// waitReady polls until the log reports readiness and the port accepts TCP
// connections.
func (e *Executor) waitReady(ctx context.Context) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		log, err := os.ReadFile(e.LogFile)
		if err != nil || !bytes.Contains(log, []byte(readyMessage)) {
			return retry.RetryableError(errors.New("server has not logged readiness"))
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn.Close()
		return nil
	})
	if err != nil {
		return fmt.Errorf("waiting for postgresql on %s: %w", addr, err)
	}
	return nil
}

// Running reports whether `pg_ctl status` sees a server on the data directory.
func (e *Executor) Running(ctx context.Context) (bool, error) {
	if _, err := os.Stat(e.DataDir); err != nil {
		return false, nil
	}
	out, err := e.command(ctx, "status", "-D", e.DataDir).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("no server running")) {
			return false, nil
		}
		return false, fmt.Errorf("pg_ctl status: %w: %s", err, out)
	}
	return bytes.Contains(out, []byte("server is running")), nil
}

// Stop performs a fast shutdown.
func (e *Executor) Stop(ctx context.Context) error {
	out, err := e.command(ctx, "stop", "-D", e.DataDir, "-m", "f").CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("no server running")) {
		return fmt.Errorf("pg_ctl stop: %w: %s", err, out)
	}
	return nil
}

// Remove deletes the data directory.
func (e *Executor) Remove() error {
	if err := os.RemoveAll(e.DataDir); err != nil {
		return fmt.Errorf("removing data directory: %w", err)
	}
	e.initialised = false
	return nil
}
