// Package pgservice provisions PostgreSQL servers and per-cell databases for
// test jobs.
package pgservice

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrUnsupportedVersion is returned for PostgreSQL versions below MinVersion.
	ErrUnsupportedVersion = errors.New("unsupported PostgreSQL version")
	// ErrExecutableMissing is returned when pg_ctl cannot be located.
	ErrExecutableMissing = errors.New("pg_ctl executable not found")
	// ErrNoFreePort is returned when no port could be claimed.
	ErrNoFreePort = errors.New("no free port")
	// ErrDatabaseSetup wraps failures creating or loading a test database.
	ErrDatabaseSetup = errors.New("database setup failed")
	// ErrVersionMismatch is returned when a server's major version differs
	// from the requested one.
	ErrVersionMismatch = errors.New("postgresql version mismatch")
)

// MinVersion is the oldest supported PostgreSQL release.
var MinVersion = semver.MustParse("10")

var versionRe = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// ParseVersion extracts a PostgreSQL version from s, which may be a bare
// version ("16", "15.4") or tool output ("pg_ctl (PostgreSQL) 16.2").
func ParseVersion(s string) (*semver.Version, error) {
	m := versionRe.FindString(s)
	if m == "" {
		return nil, fmt.Errorf("no version number in %q", s)
	}
	v, err := semver.NewVersion(m)
	if err != nil {
		return nil, fmt.Errorf("parsing version %q: %w", m, err)
	}
	return v, nil
}

// CheckVersion returns ErrUnsupportedVersion when s is older than MinVersion.
func CheckVersion(s string) (*semver.Version, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return nil, err
	}
	if v.LessThan(MinVersion) {
		return nil, fmt.Errorf("%w: %s (need %s or later)", ErrUnsupportedVersion, v.Original(), MinVersion.Original())
	}
	return v, nil
}

// CheckMajor returns ErrVersionMismatch unless actual has the major version
// of requested.
func CheckMajor(requested string, actual *semver.Version) error {
	want, err := ParseVersion(requested)
	if err != nil {
		return err
	}
	if want.Major() != actual.Major() {
		return fmt.Errorf("%w: requested %s, server is %s", ErrVersionMismatch, requested, actual.Original())
	}
	return nil
}

// Instance describes a reachable PostgreSQL database.
type Instance struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	DBName   string `json:"dbname"`
	Version  string `json:"version"`
}

// DSN returns a connection URL for dbname, or for the instance database when
// dbname is empty.
func (i Instance) DSN(dbname string) string {
	if dbname == "" {
		dbname = i.DBName
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(i.Host, strconv.Itoa(i.Port)),
		Path:     "/" + dbname,
		RawQuery: "sslmode=disable",
	}
	if i.Password != "" {
		u.User = url.UserPassword(i.User, i.Password)
	} else {
		u.User = url.User(i.User)
	}
	return u.String()
}

// Env returns the libpq variables steps use to reach the instance.
func (i Instance) Env() map[string]string {
	port := strconv.Itoa(i.Port)
	return map[string]string{
		"PGHOST":             i.Host,
		"PGPORT":             port,
		"PGUSER":             i.User,
		"PGPASSWORD":         i.Password,
		"PGDATABASE":         i.DBName,
		"DATABASE_URL":       i.DSN(""),
		"POSTGRESQL_HOST":    i.Host,
		"POSTGRESQL_PORT":    port,
		"POSTGRESQL_VERSION": i.Version,
	}
}
