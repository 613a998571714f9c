package pgservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// Conn is the subset of *pgx.Conn the janitor uses.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Janitor creates and drops test databases. With only TemplateDBName set it
// manages a template database; with DBName set it manages a database, cloned
// from TemplateDBName when that is set too.
type Janitor struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	TemplateDBName    string
	ConnectionTimeout time.Duration

	// dial opens a connection; nil uses pgx.Connect.
	dial func(ctx context.Context, connString string) (Conn, error)
}

const terminateSQL = "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()"

func (j *Janitor) isTemplate() bool {
	return j.DBName == ""
}

func (j *Janitor) target() string {
	if j.isTemplate() {
		return j.TemplateDBName
	}
	return j.DBName
}

func (j *Janitor) validate() error {
	if j.DBName == "" && j.TemplateDBName == "" {
		return errors.New("janitor: at least one of dbname or template dbname is required")
	}
	return nil
}

func (j *Janitor) instance() Instance {
	return Instance{Host: j.Host, Port: j.Port, User: j.User, Password: j.Password}
}

// connect opens an autocommit connection to dbname, retrying with
// exponential backoff until ConnectionTimeout.
func (j *Janitor) connect(ctx context.Context, dbname string) (Conn, error) {
	dial := j.dial
	if dial == nil {
		dial = func(ctx context.Context, connString string) (Conn, error) {
			return pgx.Connect(ctx, connString)
		}
	}
	timeout := j.ConnectionTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	dsn := j.instance().DSN(dbname)
	var conn Conn
	backoff := retry.WithMaxDuration(timeout, retry.WithCappedDuration(2*time.Second, retry.NewExponential(50*time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := dial(ctx, dsn)
		if err != nil {
			slog.Debug("postgresql not reachable yet", "host", j.Host, "port", j.Port, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d/%s: %w", j.Host, j.Port, dbname, err)
	}
	return conn, nil
}

// ServerVersion returns the version the server reports.
func (j *Janitor) ServerVersion(ctx context.Context) (*semver.Version, error) {
	conn, err := j.connect(ctx, "postgres")
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	var num string
	if err := conn.QueryRow(ctx, "SHOW server_version_num").Scan(&num); err != nil {
		return nil, fmt.Errorf("reading server version: %w", err)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return nil, fmt.Errorf("parsing server_version_num %q: %w", num, err)
	}
	// 100000 and later encode major*10000+minor
	if n >= 100000 {
		return semver.NewVersion(fmt.Sprintf("%d.%d", n/10000, n%10000))
	}
	return semver.NewVersion(fmt.Sprintf("%d.%d.%d", n/10000, n/100%100, n%100))
}

// Init creates the managed database.
func (j *Janitor) Init(ctx context.Context) error {
	if err := j.validate(); err != nil {
		return err
	}
	conn, err := j.connect(ctx, "postgres")
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	switch {
	case j.isTemplate():
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s WITH is_template = true", quote(j.TemplateDBName)))
	case j.TemplateDBName == "":
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", quote(j.DBName)))
	default:
		// Creating from a template fails while anyone is connected to it.
		if _, err = conn.Exec(ctx, terminateSQL, j.TemplateDBName); err != nil {
			return fmt.Errorf("terminating connections to %s: %w", j.TemplateDBName, err)
		}
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", quote(j.DBName), quote(j.TemplateDBName)))
	}
	if err != nil {
		return fmt.Errorf("creating database %s: %w", j.target(), err)
	}
	return nil
}

// Drop refuses new connections to the managed database, terminates existing
// ones and drops it.
func (j *Janitor) Drop(ctx context.Context) error {
	if err := j.validate(); err != nil {
		return err
	}
	conn, err := j.connect(ctx, "postgres")
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	name := j.target()
	type stmt struct {
		sql  string
		args []any
	}
	stmts := []stmt{
		{sql: fmt.Sprintf("ALTER DATABASE %s WITH allow_connections false", quote(name))},
		{sql: terminateSQL, args: []any{name}},
	}
	if j.isTemplate() {
		stmts = append(stmts, stmt{sql: fmt.Sprintf("ALTER DATABASE %s WITH is_template false", quote(name))})
	}
	for _, st := range stmts {
		if _, err := conn.Exec(ctx, st.sql, st.args...); err != nil {
			return fmt.Errorf("dropping database %s: %w", name, err)
		}
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quote(name))); err != nil {
		return fmt.Errorf("dropping database %s: %w", name, err)
	}
	return nil
}

// Load executes the SQL file at path against the managed database.
func (j *Janitor) Load(ctx context.Context, path string) error {
	if err := j.validate(); err != nil {
		return err
	}
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	conn, err := j.connect(ctx, j.target())
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	// Without arguments pgx uses the simple protocol, which accepts
	// multi-statement scripts.
	if _, err := conn.Exec(ctx, string(script)); err != nil {
		return fmt.Errorf("loading %s into %s: %w", path, j.target(), err)
	}
	slog.Debug("loaded sql file", "file", path, "database", j.target())
	return nil
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
