package pgservice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/spachava753/matrixci/internal/models"
)

func newMock(t *testing.T) pgxmock.PgxConnIface {
	t.Helper()
	mock, err := pgxmock.NewConn(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("creating pgxmock: %v", err)
	}
	return mock
}

// sharedConn lets several janitor operations reuse one mock connection.
type sharedConn struct {
	pgxmock.PgxConnIface
}

func (sharedConn) Close(context.Context) error { return nil }

func mockDial(mock pgxmock.PgxConnIface, dialed *[]string) func(context.Context, string) (Conn, error) {
	var mu sync.Mutex
	return func(_ context.Context, dsn string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if dialed != nil {
			*dialed = append(*dialed, dsn)
		}
		return sharedConn{mock}, nil
	}
}

func TestJanitorInit(t *testing.T) {
	tests := []struct {
		name     string
		dbname   string
		template string
		expect   func(m pgxmock.PgxConnIface)
	}{
		{
			name:     "template only",
			template: "tests_tmpl",
			expect: func(m pgxmock.PgxConnIface) {
				m.ExpectExec(`CREATE DATABASE "tests_tmpl" WITH is_template = true`).
					WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))
			},
		},
		{
			name:   "database only",
			dbname: "tests",
			expect: func(m pgxmock.PgxConnIface) {
				m.ExpectExec(`CREATE DATABASE "tests"`).
					WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))
			},
		},
		{
			name:     "database from template",
			dbname:   "tests_1",
			template: "tests_tmpl",
			expect: func(m pgxmock.PgxConnIface) {
				m.ExpectExec(terminateSQL).WithArgs("tests_tmpl").
					WillReturnResult(pgxmock.NewResult("SELECT", 0))
				m.ExpectExec(`CREATE DATABASE "tests_1" TEMPLATE "tests_tmpl"`).
					WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))
			},
		},
		{
			name:   "quotes identifiers",
			dbname: `we"ird`,
			expect: func(m pgxmock.PgxConnIface) {
				m.ExpectExec(`CREATE DATABASE "we""ird"`).
					WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.expect(mock)

			var dialed []string
			j := &Janitor{Host: "127.0.0.1", Port: 5432, User: "postgres", DBName: tt.dbname, TemplateDBName: tt.template, dial: mockDial(mock, &dialed)}
			if err := j.Init(context.Background()); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
			if len(dialed) != 1 || dialed[0] != "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable" {
				t.Errorf("expected one maintenance connection, got %v", dialed)
			}
		})
	}
}

func TestJanitorDrop(t *testing.T) {
	t.Run("template", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`ALTER DATABASE "tests_tmpl" WITH allow_connections false`).
			WillReturnResult(pgxmock.NewResult("ALTER DATABASE", 0))
		mock.ExpectExec(terminateSQL).WithArgs("tests_tmpl").
			WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectExec(`ALTER DATABASE "tests_tmpl" WITH is_template false`).
			WillReturnResult(pgxmock.NewResult("ALTER DATABASE", 0))
		mock.ExpectExec(`DROP DATABASE IF EXISTS "tests_tmpl"`).
			WillReturnResult(pgxmock.NewResult("DROP DATABASE", 0))

		j := &Janitor{TemplateDBName: "tests_tmpl", dial: mockDial(mock, nil)}
		if err := j.Drop(context.Background()); err != nil {
			t.Fatalf("Drop failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("database", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`ALTER DATABASE "tests_1" WITH allow_connections false`).
			WillReturnResult(pgxmock.NewResult("ALTER DATABASE", 0))
		mock.ExpectExec(terminateSQL).WithArgs("tests_1").
			WillReturnResult(pgxmock.NewResult("SELECT", 0))
		mock.ExpectExec(`DROP DATABASE IF EXISTS "tests_1"`).
			WillReturnResult(pgxmock.NewResult("DROP DATABASE", 0))

		j := &Janitor{DBName: "tests_1", TemplateDBName: "tests_tmpl", dial: mockDial(mock, nil)}
		if err := j.Drop(context.Background()); err != nil {
			t.Fatalf("Drop failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("error is wrapped", func(t *testing.T) {
		mock := newMock(t)
		boom := errors.New("database is being accessed by other users")
		mock.ExpectExec(`ALTER DATABASE "tests" WITH allow_connections false`).WillReturnError(boom)

		j := &Janitor{DBName: "tests", dial: mockDial(mock, nil)}
		if err := j.Drop(context.Background()); !errors.Is(err, boom) {
			t.Errorf("expected wrapped error, got %v", err)
		}
	})
}

func TestJanitorLoad(t *testing.T) {
	script := "CREATE TABLE users (id serial primary key);\nINSERT INTO users DEFAULT VALUES;\n"
	path := filepath.Join(t.TempDir(), "schema.sql")
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	mock := newMock(t)
	mock.ExpectExec(script).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	var dialed []string
	j := &Janitor{Host: "localhost", Port: 5432, User: "postgres", TemplateDBName: "tests_tmpl", dial: mockDial(mock, &dialed)}
	if err := j.Load(context.Background(), path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if len(dialed) != 1 || filepath.Base(dialed[0]) != "tests_tmpl?sslmode=disable" {
		t.Errorf("expected connection to the template database, got %v", dialed)
	}

	if err := j.Load(context.Background(), filepath.Join(t.TempDir(), "missing.sql")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestJanitorRequiresDatabase(t *testing.T) {
	j := &Janitor{}
	if err := j.Init(context.Background()); err == nil {
		t.Error("expected error without dbname or template")
	}
	if err := j.Drop(context.Background()); err == nil {
		t.Error("expected error without dbname or template")
	}
}

func TestJanitorConnectRetries(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`CREATE DATABASE "tests"`).WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))

	attempts := 0
	j := &Janitor{
		DBName:            "tests",
		ConnectionTimeout: 5 * time.Second,
		dial: func(context.Context, string) (Conn, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("the database system is starting up")
			}
			return sharedConn{mock}, nil
		},
	}
	if err := j.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	j = &Janitor{
		DBName:            "tests",
		ConnectionTimeout: 200 * time.Millisecond,
		dial: func(context.Context, string) (Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	if err := j.Init(context.Background()); err == nil {
		t.Error("expected connection timeout")
	}
}

type fakeService struct {
	starts, stops int
}

func (f *fakeService) Start(context.Context) (Instance, error) {
	f.starts++
	return Instance{Host: "127.0.0.1", Port: 5432, User: "postgres", DBName: "postgres", Version: "16"}, nil
}

func (f *fakeService) Stop(context.Context) error {
	f.stops++
	return nil
}

func expectServerVersion(mock pgxmock.PgxConnIface, num string) {
	mock.ExpectQuery("SHOW server_version_num").WillReturnRows(pgxmock.NewRows([]string{"server_version_num"}).AddRow(num))
}

func TestManager(t *testing.T) {
	mock := newMock(t)
	expectServerVersion(mock, "160004")
	// server start: template created once
	mock.ExpectExec(`CREATE DATABASE "tests_tmpl" WITH is_template = true`).WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))
	// first cell
	mock.ExpectExec(terminateSQL).WithArgs("tests_tmpl").WillReturnResult(pgxmock.NewResult("SELECT", 0))
	mock.ExpectExec(`CREATE DATABASE "tests_1" TEMPLATE "tests_tmpl"`).WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))
	// second cell
	mock.ExpectExec(terminateSQL).WithArgs("tests_tmpl").WillReturnResult(pgxmock.NewResult("SELECT", 0))
	mock.ExpectExec(`CREATE DATABASE "tests_2" TEMPLATE "tests_tmpl"`).WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))
	// first cell cleanup
	mock.ExpectExec(`ALTER DATABASE "tests_1" WITH allow_connections false`).WillReturnResult(pgxmock.NewResult("ALTER DATABASE", 0))
	mock.ExpectExec(terminateSQL).WithArgs("tests_1").WillReturnResult(pgxmock.NewResult("SELECT", 0))
	mock.ExpectExec(`DROP DATABASE IF EXISTS "tests_1"`).WillReturnResult(pgxmock.NewResult("DROP DATABASE", 0))
	// Close drops the template
	mock.ExpectExec(`ALTER DATABASE "tests_tmpl" WITH allow_connections false`).WillReturnResult(pgxmock.NewResult("ALTER DATABASE", 0))
	mock.ExpectExec(terminateSQL).WithArgs("tests_tmpl").WillReturnResult(pgxmock.NewResult("SELECT", 0))
	mock.ExpectExec(`ALTER DATABASE "tests_tmpl" WITH is_template false`).WillReturnResult(pgxmock.NewResult("ALTER DATABASE", 0))
	mock.ExpectExec(`DROP DATABASE IF EXISTS "tests_tmpl"`).WillReturnResult(pgxmock.NewResult("DROP DATABASE", 0))

	svc := &fakeService{}
	m := NewManager(context.Background(), models.PostgresConfig{DBName: "tests", TemplateDBName: "tests_tmpl"}, t.TempDir())
	m.newService = func(version string) (Service, error) {
		if version != "16" {
			t.Errorf("unexpected version %s", version)
		}
		return svc, nil
	}
	m.newJanitor = func(inst Instance, dbname, template string) *Janitor {
		return &Janitor{Host: inst.Host, Port: inst.Port, User: inst.User, DBName: dbname, TemplateDBName: template, dial: mockDial(mock, nil)}
	}

	ctx := context.Background()
	first, cleanup, err := m.Provision(ctx, "16")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	second, _, err := m.Provision(ctx, "16")
	if err != nil {
		t.Fatalf("second Provision failed: %v", err)
	}
	if first.DBName != "tests_1" || second.DBName != "tests_2" {
		t.Errorf("databases = %s, %s", first.DBName, second.DBName)
	}
	if first.Version != "16.4" {
		t.Errorf("version = %s, want the server's 16.4", first.Version)
	}
	if svc.starts != 1 {
		t.Errorf("server started %d times, want 1", svc.starts)
	}
	if err := cleanup(ctx); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if svc.stops != 1 {
		t.Errorf("server stopped %d times, want 1", svc.stops)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}

	if _, _, err := m.Provision(ctx, "9.6"); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestManagerDatabaseSetupFailure(t *testing.T) {
	mock := newMock(t)
	expectServerVersion(mock, "160004")
	mock.ExpectExec(`CREATE DATABASE "tests_1"`).WillReturnError(errors.New("permission denied to create database"))

	m := NewManager(context.Background(), models.PostgresConfig{DBName: "tests"}, t.TempDir())
	m.newService = func(string) (Service, error) { return &fakeService{}, nil }
	m.newJanitor = func(inst Instance, dbname, template string) *Janitor {
		return &Janitor{Host: inst.Host, Port: inst.Port, User: inst.User, DBName: dbname, TemplateDBName: template, dial: mockDial(mock, nil)}
	}

	_, _, err := m.Provision(context.Background(), "16")
	if !errors.Is(err, ErrDatabaseSetup) {
		t.Fatalf("expected ErrDatabaseSetup, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestJanitorServerVersion(t *testing.T) {
	tests := []struct {
		num  string
		want string
	}{
		{num: "170002", want: "17.2.0"},
		{num: "100023", want: "10.23.0"},
		{num: "90624", want: "9.6.24"},
	}
	for _, tt := range tests {
		t.Run(tt.num, func(t *testing.T) {
			mock := newMock(t)
			expectServerVersion(mock, tt.num)
			j := &Janitor{Host: "127.0.0.1", Port: 5432, User: "postgres", dial: mockDial(mock, nil)}

			v, err := j.ServerVersion(context.Background())
			if err != nil {
				t.Fatalf("ServerVersion failed: %v", err)
			}
			if v.String() != tt.want {
				t.Errorf("version = %s, want %s", v, tt.want)
			}
		})
	}
}

func TestManagerVersionMismatch(t *testing.T) {
	mock := newMock(t)
	expectServerVersion(mock, "170002")

	svc := &fakeService{}
	m := NewManager(context.Background(), models.PostgresConfig{DBName: "tests"}, t.TempDir())
	m.newService = func(string) (Service, error) { return svc, nil }
	m.newJanitor = func(inst Instance, dbname, template string) *Janitor {
		return &Janitor{Host: inst.Host, Port: inst.Port, User: inst.User, DBName: dbname, dial: mockDial(mock, nil)}
	}

	ctx := context.Background()
	for range 2 {
		if _, _, err := m.Provision(ctx, "16"); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("expected ErrVersionMismatch, got %v", err)
		}
	}
	if svc.starts != 1 {
		t.Errorf("server started %d times, want 1", svc.starts)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if svc.stops != 1 {
		t.Errorf("mismatched server stopped %d times, want 1", svc.stops)
	}
}

// gatedService blocks Start until release is closed.
type gatedService struct {
	fakeService
	release chan struct{}
}

func (g *gatedService) Start(ctx context.Context) (Instance, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return Instance{}, ctx.Err()
	}
	return g.fakeService.Start(ctx)
}

func TestManagerServerOutlivesCallerContext(t *testing.T) {
	mock := newMock(t)
	expectServerVersion(mock, "160004")
	mock.ExpectExec(`CREATE DATABASE "tests_1"`).WillReturnResult(pgxmock.NewResult("CREATE DATABASE", 0))

	svc := &gatedService{release: make(chan struct{})}
	m := NewManager(context.Background(), models.PostgresConfig{DBName: "tests"}, t.TempDir())
	m.newService = func(string) (Service, error) { return svc, nil }
	m.newJanitor = func(inst Instance, dbname, template string) *Janitor {
		return &Janitor{Host: inst.Host, Port: inst.Port, User: inst.User, DBName: dbname, dial: mockDial(mock, nil)}
	}

	// the first cell gives up while the server is still starting
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := m.Provision(ctx, "16"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the caller's deadline, got %v", err)
	}

	close(svc.release)
	inst, _, err := m.Provision(context.Background(), "16")
	if err != nil {
		t.Fatalf("later cell could not use the server: %v", err)
	}
	if inst.DBName != "tests_1" {
		t.Errorf("database = %s", inst.DBName)
	}
	if svc.starts != 1 {
		t.Errorf("server started %d times, want 1", svc.starts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
