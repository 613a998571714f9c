package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spachava753/matrixci/internal/models"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		path string
		want models.ManifestFormat
	}{
		{path: "requirements.txt", want: models.FormatRequirements},
		{path: "ci/requirements-test.in", want: models.FormatRequirements},
		{path: "Pipfile.lock", want: models.FormatPipfileLock},
		{path: "pylock.toml", want: models.FormatPylock},
		{path: "pylock.dev.toml", want: models.FormatPylock},
		{path: "poetry.lock", want: models.FormatPoetryLock},
		{path: "uv.lock", want: models.FormatUVLock},
		{path: "Pipfile", want: models.FormatUnknown},
		{path: "pyproject.toml", want: models.FormatUnknown},
	}
	for _, tt := range tests {
		if got := Detect(tt.path); got != tt.want {
			t.Errorf("Detect(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Django":             "django",
		"pytest_postgresql":  "pytest-postgresql",
		"zope.interface":     "zope-interface",
		"Some__Weird.-_Name": "some-weird-name",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRequirements(t *testing.T) {
	src := `# test dependencies
-r base.txt
--index-url https://pypi.org/simple

pytest==8.3.4
pytest_postgresql[psycopg] == 7.0.1 ; python_version >= "3.9"
psycopg>=3.2 # not pinned
mirakuru==2.6.0 \
    --hash=sha256:abc \
    --hash=sha256:def
port-for===0.7.4
packaging==24.*
mypkg @ https://example.com/mypkg-1.0.tar.gz
ruff
psycopg-pool @ git+https://github.com/psycopg/psycopg.git@master
mirakuru-fork @ git+https://github.com/acme/mirakuru.git@0123456789abcdef0123456789abcdef01234567
port-for-fork @ https://example.com/port-for-0.7.4.tar.gz#sha256=9f2a
`
	m, err := ParseBytes("requirements-test.txt", []byte(src))
	if err != nil {
		t.Fatalf("ParseBytes failed: %v", err)
	}

	want := []models.Requirement{
		{Name: "pytest", Specifier: "==8.3.4", Version: "8.3.4", Line: 5},
		{Name: "pytest-postgresql", Extras: []string{"psycopg"}, Specifier: "==7.0.1", Version: "7.0.1", Marker: `python_version >= "3.9"`, Line: 6},
		{Name: "psycopg", Specifier: ">=3.2", Line: 7},
		{Name: "mirakuru", Specifier: "==2.6.0", Version: "2.6.0", Line: 8, Hashed: true},
		{Name: "port-for", Specifier: "===0.7.4", Version: "0.7.4", Line: 11},
		{Name: "packaging", Specifier: "==24.*", Line: 12},
		{Name: "mypkg", Specifier: "@ https://example.com/mypkg-1.0.tar.gz", Line: 13},
		{Name: "ruff", Line: 14},
		{Name: "psycopg-pool", Specifier: "@ git+https://github.com/psycopg/psycopg.git@master", Line: 15},
		{Name: "mirakuru-fork", Specifier: "@ git+https://github.com/acme/mirakuru.git@0123456789abcdef0123456789abcdef01234567", Line: 16},
		{Name: "port-for-fork", Specifier: "@ https://example.com/port-for-0.7.4.tar.gz#sha256=9f2a", Line: 17},
	}
	if !reflect.DeepEqual(m.Entries, want) {
		t.Fatalf("entries:\n got %+v\nwant %+v", m.Entries, want)
	}

	var unpinned []string
	for _, f := range CheckPinned(m) {
		if f.Rule != RulePinned || f.Severity != models.SeverityError {
			t.Errorf("unexpected finding %+v", f)
		}
		unpinned = append(unpinned, f.Location)
	}
	if wantLoc := []string{"line 7", "line 12", "line 13", "line 14", "line 15"}; !reflect.DeepEqual(unpinned, wantLoc) {
		t.Errorf("unpinned locations = %v, want %v", unpinned, wantLoc)
	}
}

func TestParsePipfileLock(t *testing.T) {
	src := `{
  "_meta": {"hash": {"sha256": "x"}},
  "default": {
    "psycopg": {"version": "==3.2.3", "markers": "python_version >= '3.8'"},
    "mirakuru": {"version": "==2.6.0"}
  },
  "develop": {
    "pytest": {"version": "==8.3.4"},
    "mylib": {"git": "https://github.com/acme/mylib.git", "ref": "0123456789abcdef0123456789abcdef01234567"}
  }
}`
	m, err := ParseBytes("Pipfile.lock", []byte(src))
	if err != nil {
		t.Fatalf("ParseBytes failed: %v", err)
	}
	if len(m.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %+v", m.Entries)
	}
	if m.Entries[0].Name != "mirakuru" || m.Entries[0].Section != "default" {
		t.Errorf("expected sorted default section first, got %+v", m.Entries[0])
	}
	if findings := CheckPinned(m); len(findings) != 0 {
		t.Errorf("expected everything pinned, got %v", findings)
	}
}

func TestParseTOMLLocks(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		want     []string
		unpinned int
	}{
		{
			name: "pylock.toml",
			src: `lock-version = "1.0"
[[packages]]
name = "pytest"
version = "8.3.4"

[[packages]]
name = "colorama"
version = "0.4.6"
marker = "sys_platform == 'win32'"
`,
			want: []string{"pytest", "colorama"},
		},
		{
			name: "poetry.lock",
			src: `[[package]]
name = "Psycopg"
version = "3.2.3"

[[package]]
name = "broken"
version = ">=1.0"
`,
			want:     []string{"psycopg", "broken"},
			unpinned: 1,
		},
		{
			name: "uv.lock",
			src: `version = 1
[[package]]
name = "myproject"
version = "0.1.0"
source = { editable = "." }

[[package]]
name = "port-for"
version = "0.7.4"
source = { registry = "https://pypi.org/simple" }
`,
			want: []string{"port-for"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseBytes(tt.name, []byte(tt.src))
			if err != nil {
				t.Fatalf("ParseBytes failed: %v", err)
			}
			var names []string
			for _, e := range m.Entries {
				names = append(names, e.Name)
			}
			if !reflect.DeepEqual(names, tt.want) {
				t.Errorf("names = %v, want %v", names, tt.want)
			}
			if got := len(CheckPinned(m)); got != tt.unpinned {
				t.Errorf("unpinned = %d, want %d", got, tt.unpinned)
			}
		})
	}
}

func TestPinned(t *testing.T) {
	tests := []struct {
		req  models.Requirement
		want bool
	}{
		{req: models.Requirement{Specifier: "==1.0"}, want: true},
		{req: models.Requirement{Specifier: "===1.0+local"}, want: true},
		{req: models.Requirement{Specifier: "==1.*"}, want: false},
		{req: models.Requirement{Specifier: "==1.0,!=1.0.1"}, want: false},
		{req: models.Requirement{Specifier: "~=1.0"}, want: false},
		{req: models.Requirement{Specifier: "=="}, want: false},
		{req: models.Requirement{}, want: false},
		{req: models.Requirement{Version: "2.0.0"}, want: true},
		{req: models.Requirement{Version: "^2.0"}, want: false},
		{req: models.Requirement{Specifier: "@ git+https://github.com/psycopg/psycopg.git@master"}, want: false},
		{req: models.Requirement{Specifier: "@ git+https://git@github.com/acme/lib.git"}, want: false},
		{req: models.Requirement{Specifier: "@ git+ssh://git@github.com/acme/lib.git@0123456789abcdef0123456789abcdef01234567"}, want: true},
		{req: models.Requirement{Specifier: "@ https://example.com/mirakuru-latest.tar.gz"}, want: false},
		{req: models.Requirement{Specifier: "@ https://example.com/mirakuru-latest.tar.gz", Hashed: true}, want: true},
		{req: models.Requirement{Specifier: "@ https://example.com/m.whl#sha256="}, want: false},
	}
	for _, tt := range tests {
		if got := Pinned(tt.req); got != tt.want {
			t.Errorf("Pinned(%+v) = %v, want %v", tt.req, got, tt.want)
		}
	}
}

func TestDuplicates(t *testing.T) {
	src := `pytest==8.3.4
colorama==0.4.6 ; sys_platform == "win32"
colorama==0.4.5 ; sys_platform != "win32"
Pytest==8.3.3
`
	m, err := ParseBytes("requirements.txt", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	findings := Duplicates(m)
	if len(findings) != 1 {
		t.Fatalf("expected one duplicate, got %v", findings)
	}
	if findings[0].Location != "line 4" || findings[0].Severity != models.SeverityWarning {
		t.Errorf("unexpected finding %+v", findings[0])
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := ParseBytes("Pipfile", []byte("[packages]")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
	if _, err := ParseBytes("Pipfile.lock", []byte("{not json")); err == nil {
		t.Error("expected JSON error")
	}
	if _, err := ParseBytes("requirements.txt", []byte("!!bogus\n")); err == nil {
		t.Error("expected invalid requirement error")
	}
}

func TestDiscoverAndParse(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"requirements.txt":      "pytest==8.3.4\n",
		"requirements-docs.txt": "sphinx\n",
		"docs/conf.py":          "",
	}
	for name, data := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	found, err := Discover(dir, []string{"requirements*.txt", "Pipfile.lock"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "requirements-docs.txt"), filepath.Join(dir, "requirements.txt")}
	if !reflect.DeepEqual(found, want) {
		t.Fatalf("Discover = %v, want %v", found, want)
	}

	m, err := Parse(found[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(CheckPinned(m)) != 1 {
		t.Errorf("expected sphinx to be unpinned")
	}
}
