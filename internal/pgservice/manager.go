package pgservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/spachava753/matrixci/internal/models"
)

// Manager shares one server per PostgreSQL version across the cells of a run.
// Each server gets a template database, loaded once from the configured SQL
// files, and every cell gets its own database cloned from that template.
// Servers start under the manager's context, not the requesting cell's.
type Manager struct {
	cfg     models.PostgresConfig
	lockDir string
	ctx     context.Context
	cancel  context.CancelFunc

	// newService builds the backend for a version; nil uses NewService.
	newService func(version string) (Service, error)
	// newJanitor binds a janitor to an instance; nil uses plain Janitors.
	newJanitor func(inst Instance, dbname, template string) *Janitor

	mu      sync.Mutex
	servers map[string]*server
	seq     int
}

type server struct {
	ready   chan struct{}
	svc     Service
	inst    Instance
	err     error
	cleanup *Janitor // template janitor, nil when no template is used
}

// NewManager creates a manager whose servers live until ctx is done or Close
// is called. lockDir holds port claims for pg_ctl servers.
func NewManager(ctx context.Context, cfg models.PostgresConfig, lockDir string) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:     cfg,
		lockDir: lockDir,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(map[string]*server),
	}
}

func (m *Manager) janitor(inst Instance, dbname, template string) *Janitor {
	if m.newJanitor != nil {
		return m.newJanitor(inst, dbname, template)
	}
	return &Janitor{
		Host:              inst.Host,
		Port:              inst.Port,
		User:              inst.User,
		Password:          inst.Password,
		DBName:            dbname,
		TemplateDBName:    template,
		ConnectionTimeout: m.cfg.ConnectionTimeout.Duration,
	}
}

// Provision returns a fresh database on the server for version, starting the
// server on first use. The returned func drops the database.
func (m *Manager) Provision(ctx context.Context, version string) (Instance, func(context.Context) error, error) {
	if _, err := CheckVersion(version); err != nil {
		return Instance{}, nil, err
	}
	srv := m.server(version)
	select {
	case <-srv.ready:
	case <-ctx.Done():
		return Instance{}, nil, fmt.Errorf("waiting for postgresql %s: %w", version, ctx.Err())
	}
	if srv.err != nil {
		return Instance{}, nil, srv.err
	}

	m.mu.Lock()
	m.seq++
	dbname := fmt.Sprintf("%s_%d", m.baseName(), m.seq)
	m.mu.Unlock()

	j := m.janitor(srv.inst, dbname, m.cfg.TemplateDBName)
	if err := j.Init(ctx); err != nil {
		return Instance{}, nil, fmt.Errorf("%w: %w", ErrDatabaseSetup, err)
	}
	if m.cfg.TemplateDBName == "" {
		for _, f := range m.cfg.Load {
			if err := j.Load(ctx, f); err != nil {
				j.Drop(context.Background())
				return Instance{}, nil, fmt.Errorf("%w: %w", ErrDatabaseSetup, err)
			}
		}
	}

	inst := srv.inst
	inst.DBName = dbname
	slog.Debug("provisioned database", "database", dbname, "host", inst.Host, "port", inst.Port)
	return inst, func(ctx context.Context) error {
		return j.Drop(ctx)
	}, nil
}

func (m *Manager) baseName() string {
	if m.cfg.DBName != "" {
		return m.cfg.DBName
	}
	return m.cfg.TemplateDBName + "_db"
}

// server returns the entry for version, starting it if this is the first request.
func (m *Manager) server(version string) *server {
	m.mu.Lock()
	srv, ok := m.servers[version]
	if !ok {
		srv = &server{ready: make(chan struct{})}
		m.servers[version] = srv
	}
	m.mu.Unlock()
	if !ok {
		go m.start(version, srv)
	}
	return srv
}

func (m *Manager) start(version string, srv *server) {
	defer close(srv.ready)
	ctx := m.ctx

	newService := m.newService
	if newService == nil {
		newService = func(v string) (Service, error) { return NewService(m.cfg, v, m.lockDir) }
	}
	svc, err := newService(version)
	if err != nil {
		srv.err = err
		return
	}
	inst, err := svc.Start(ctx)
	if err != nil {
		svc.Stop(context.Background())
		srv.err = fmt.Errorf("starting postgresql %s: %w", version, err)
		return
	}
	srv.svc = svc

	actual, err := m.janitor(inst, "", "").ServerVersion(ctx)
	if err == nil {
		err = CheckMajor(version, actual)
	}
	if err != nil {
		srv.err = fmt.Errorf("starting postgresql %s: %w", version, err)
		return
	}
	inst.Version = actual.Original()
	srv.inst = inst

	if m.cfg.TemplateDBName == "" {
		return
	}
	tmpl := m.janitor(inst, "", m.cfg.TemplateDBName)
	if m.cfg.DropTestDatabase {
		if err := tmpl.Drop(ctx); err != nil {
			slog.Debug("no stale template database to drop", "database", m.cfg.TemplateDBName, "error", err)
		}
	}
	if err := tmpl.Init(ctx); err != nil {
		srv.err = fmt.Errorf("%w: %w", ErrDatabaseSetup, err)
		return
	}
	srv.cleanup = tmpl
	for _, f := range m.cfg.Load {
		if err := tmpl.Load(ctx, f); err != nil {
			srv.err = fmt.Errorf("%w: %w", ErrDatabaseSetup, err)
			return
		}
	}
}

// Close drops the template databases and stops every server.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	m.mu.Lock()
	versions := make([]string, 0, len(m.servers))
	for v := range m.servers {
		versions = append(versions, v)
	}
	servers := m.servers
	m.servers = make(map[string]*server)
	m.mu.Unlock()
	sort.Strings(versions)

	var errs []error
	for _, v := range versions {
		srv := servers[v]
		<-srv.ready
		if srv.cleanup != nil {
			if err := srv.cleanup.Drop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if srv.svc != nil {
			if err := srv.svc.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
