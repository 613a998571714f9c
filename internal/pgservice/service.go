package pgservice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/matrixci/internal/models"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Service is a PostgreSQL server for the lifetime of a run.
type Service interface {
	// Start brings the server up and returns the maintenance database.
	Start(ctx context.Context) (Instance, error)
	// Stop shuts the server down and releases its resources.
	Stop(ctx context.Context) error
}

// NewService returns the backend configured by cfg for the given server version.
// lockDir holds port claims for the pgctl backend.
func NewService(cfg models.PostgresConfig, version, lockDir string) (Service, error) {
	switch cfg.Backend {
	case "", "container":
		return &ContainerService{
			Image:          ImageFor(cfg.Image, version),
			User:           cfg.User,
			Password:       cfg.Password,
			Version:        version,
			StartupTimeout: cfg.ConnectionTimeout.Duration,
		}, nil
	case "pgctl":
		spec, err := ParsePortSpec(cfg.Port)
		if err != nil {
			return nil, fmt.Errorf("postgres port: %w", err)
		}
		return &PgctlService{
			Config:  cfg,
			Version: version,
			Port:    spec,
			Picker:  &PortPicker{LockDir: lockDir, SearchCount: cfg.PortSearchCount, Host: cfg.Host},
		}, nil
	case "external":
		port := 5432
		if cfg.Port != "" {
			p, err := parsePort(cfg.Port)
			if err != nil {
				return nil, fmt.Errorf("postgres port: %w", err)
			}
			port = p
		}
		return &ExternalService{Host: cfg.Host, Port: port, User: cfg.User, Password: cfg.Password, Version: version}, nil
	default:
		return nil, fmt.Errorf("unknown postgres backend %q", cfg.Backend)
	}
}

// ImageFor fills the version into an image template such as
// "postgres:%s-alpine". Templates without a verb are used as is.
func ImageFor(template, version string) string {
	if template == "" {
		template = "postgres:%s-alpine"
	}
	if !strings.Contains(template, "%s") {
		return template
	}
	return fmt.Sprintf(template, version)
}

// ContainerService runs PostgreSQL in a container via testcontainers.
type ContainerService struct {
	Image          string
	User           string
	Password       string
	Version        string
	StartupTimeout time.Duration

	container *postgres.PostgresContainer
}

// Start runs the container and waits until the server is ready.
func (s *ContainerService) Start(ctx context.Context) (Instance, error) {
	timeout := s.StartupTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	slog.Info("starting postgresql container", "image", s.Image)
	c, err := postgres.Run(ctx,
		s.Image,
		postgres.WithDatabase("postgres"),
		postgres.WithUsername(s.User),
		postgres.WithPassword(s.Password),
		testcontainers.WithWaitStrategy(
			// The entrypoint restarts the server once after initdb.
			wait.ForLog(readyMessage).
				WithOccurrence(2).
				WithStartupTimeout(timeout),
		),
	)
	if err != nil {
		return Instance{}, fmt.Errorf("starting postgres container %s: %w", s.Image, err)
	}
	s.container = c

	host, err := c.Host(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return Instance{}, fmt.Errorf("container port: %w", err)
	}
	return Instance{
		Host:     host,
		Port:     port.Int(),
		User:     s.User,
		Password: s.Password,
		DBName:   "postgres",
		Version:  s.Version,
	}, nil
}

// Stop terminates the container.
func (s *ContainerService) Stop(ctx context.Context) error {
	if s.container == nil {
		return nil
	}
	if err := s.container.Terminate(ctx); err != nil {
		return fmt.Errorf("terminating postgres container: %w", err)
	}
	s.container = nil
	return nil
}

// versionedBinDirs are the per-major install locations of common packages.
var versionedBinDirs = []string{
	"/usr/lib/postgresql/%d/bin",
	"/usr/pgsql-%d/bin",
	"/opt/homebrew/opt/postgresql@%d/bin",
	"/usr/local/opt/postgresql@%d/bin",
}

// versionedExecutable returns the pg_ctl installed for the major version of
// version, if any.
func versionedExecutable(version string) string {
	v, err := ParseVersion(version)
	if err != nil {
		return ""
	}
	for _, dir := range versionedBinDirs {
		p := filepath.Join(fmt.Sprintf(dir, v.Major()), "pg_ctl")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// PgctlService runs a PostgreSQL server installed on the host through pg_ctl.
// The pg_ctl must match the major of Version.
type PgctlService struct {
	Config  models.PostgresConfig
	Version string
	Port    PortSpec
	Picker  *PortPicker

	executor *Executor
	port     int
	tmpDir   string
}

// Start claims a port, initialises a data directory and starts the server.
func (s *PgctlService) Start(ctx context.Context) (Instance, error) {
	exe := s.Config.Exec
	if exe == "" {
		exe = versionedExecutable(s.Version)
	}
	exe, err := ResolveExecutable(ctx, exe)
	if err != nil {
		return Instance{}, err
	}
	port, err := s.Picker.Pick(s.Port)
	if err != nil {
		return Instance{}, err
	}
	s.port = port

	tmpDir, err := os.MkdirTemp("", fmt.Sprintf("matrixci-postgresql-%d-", port))
	if err != nil {
		s.Picker.Release(port)
		return Instance{}, fmt.Errorf("creating postgres directory: %w", err)
	}
	s.tmpDir = tmpDir

	socketDir := s.Config.UnixSocketDir
	if socketDir == "" {
		socketDir = tmpDir
	}
	s.executor = &Executor{
		Executable:      exe,
		Host:            s.Config.Host,
		Port:            port,
		User:            s.Config.User,
		DataDir:         filepath.Join(tmpDir, "data-"+strconv.Itoa(port)),
		UnixSocketDir:   socketDir,
		LogFile:         filepath.Join(tmpDir, fmt.Sprintf("postgresql.%d.log", port)),
		StartParams:     s.Config.StartParams,
		PostgresOptions: s.Config.PostgresOptions,
		Timeout:         s.Config.ConnectionTimeout.Duration,
	}
	v, err := s.executor.Version(ctx)
	if err == nil && s.Version != "" {
		err = CheckMajor(s.Version, v)
	}
	if err != nil {
		s.Stop(context.Background())
		return Instance{}, err
	}
	if err := s.executor.Start(ctx); err != nil {
		s.Stop(context.Background())
		return Instance{}, err
	}
	return Instance{
		Host:     s.Config.Host,
		Port:     port,
		User:     s.Config.User,
		Password: s.Config.Password,
		DBName:   "postgres",
		Version:  v.Original(),
	}, nil
}

// Stop shuts the server down, removes its files and releases the port.
func (s *PgctlService) Stop(ctx context.Context) error {
	var firstErr error
	if s.executor != nil {
		if running, _ := s.executor.Running(ctx); running {
			firstErr = s.executor.Stop(ctx)
		}
		s.executor = nil
	}
	if s.tmpDir != "" {
		os.RemoveAll(s.tmpDir)
		s.tmpDir = ""
	}
	if s.port != 0 {
		if err := s.Picker.Release(s.port); err != nil && firstErr == nil {
			firstErr = err
		}
		s.port = 0
	}
	return firstErr
}

// ExternalService uses a server that is already running.
type ExternalService struct {
	Host     string
	Port     int
	User     string
	Password string
	Version  string
}

// Start returns the configured server. Reachability and the server version
// are checked by the Manager on first connect.
func (s *ExternalService) Start(ctx context.Context) (Instance, error) {
	return Instance{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		DBName:   "postgres",
		Version:  s.Version,
	}, nil
}

// Stop is a no-op: the server is not owned by the run.
func (s *ExternalService) Stop(ctx context.Context) error {
	return nil
}
