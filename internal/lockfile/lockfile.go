// Package lockfile parses Python dependency manifests and checks that every
// entry is pinned to an exact version.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/spachava753/matrixci/internal/models"
)

// ErrUnknownFormat is returned for files whose manifest format cannot be
// detected from the name.
var ErrUnknownFormat = errors.New("unknown manifest format")

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// NormalizeName normalises a package name per PEP 503.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Detect returns the manifest format for a file name.
func Detect(path string) models.ManifestFormat {
	base := filepath.Base(path)
	switch {
	case base == "Pipfile.lock":
		return models.FormatPipfileLock
	case base == "pylock.toml":
		return models.FormatPylock
	case strings.HasPrefix(base, "pylock.") && strings.HasSuffix(base, ".toml"):
		return models.FormatPylock
	case base == "poetry.lock":
		return models.FormatPoetryLock
	case base == "uv.lock":
		return models.FormatUVLock
	}
	switch filepath.Ext(base) {
	case ".txt", ".in":
		return models.FormatRequirements
	}
	return models.FormatUnknown
}

// Discover returns the manifests under root matching patterns, sorted.
func Discover(root string, patterns []string) ([]string, error) {
	found := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid manifest pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			found[m] = true
		}
	}
	files := make([]string, 0, len(found))
	for f := range found {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Parse reads and parses a manifest file.
func Parse(path string) (models.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Manifest{Path: path}, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseBytes(path, data)
}

// ParseBytes parses manifest content; name selects the format.
func ParseBytes(name string, data []byte) (models.Manifest, error) {
	m := models.Manifest{Path: name, Format: Detect(name)}

	var err error
	switch m.Format {
	case models.FormatRequirements:
		m.Entries, err = parseRequirements(string(data))
	case models.FormatPipfileLock:
		m.Entries, err = parsePipfileLock(data)
	case models.FormatPylock, models.FormatPoetryLock, models.FormatUVLock:
		m.Entries, err = parseTOMLLock(string(data))
	default:
		return m, fmt.Errorf("%s: %w", name, ErrUnknownFormat)
	}
	if err != nil {
		return m, fmt.Errorf("parsing %s: %w", name, err)
	}
	return m, nil
}

var requirementLine = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(\[[^\]]*\])?\s*(.*)$`)

func parseRequirements(src string) ([]models.Requirement, error) {
	var reqs []models.Requirement

	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		line := lines[i]
		for strings.HasSuffix(line, "\\") && i+1 < len(lines) {
			i++
			line = strings.TrimSuffix(line, "\\") + " " + lines[i]
		}
		line = strings.TrimSuffix(line, "\\")
		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		// drop --hash and other per-requirement options
		fields := strings.Fields(line)
		kept := fields[:0]
		hashed := false
		for _, f := range fields {
			if strings.HasPrefix(f, "--hash") {
				hashed = true
			}
			if !strings.HasPrefix(f, "--") {
				kept = append(kept, f)
			}
		}
		line = strings.Join(kept, " ")

		req, err := parseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		req.Line = lineNo
		req.Hashed = hashed
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] == '#' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t') {
			return line[:i]
		}
	}
	return line
}

// parseRequirement splits `name[extras] specifier ; marker`.
func parseRequirement(line string) (models.Requirement, error) {
	var req models.Requirement

	spec, marker, _ := strings.Cut(line, ";")
	req.Marker = strings.TrimSpace(marker)

	m := requirementLine.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return req, fmt.Errorf("invalid requirement %q", line)
	}
	req.Name = NormalizeName(m[1])
	if m[2] != "" {
		for _, e := range strings.Split(strings.Trim(m[2], "[]"), ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
	}
	rest := strings.TrimSpace(m[3])
	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
	req.Specifier = strings.ReplaceAll(rest, " ", "")
	if strings.HasPrefix(rest, "@") {
		req.Specifier = rest
	}
	if v, ok := exactVersion(req.Specifier); ok {
		req.Version = v
	}
	return req, nil
}

type pipfileEntry struct {
	Version string `json:"version"`
	Markers string `json:"markers"`
	Ref     string `json:"ref"`
	Git     string `json:"git"`
	Path    string `json:"path"`
}

func parsePipfileLock(data []byte) ([]models.Requirement, error) {
	var lock map[string]json.RawMessage
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}

	var reqs []models.Requirement
	for _, section := range []string{"default", "develop"} {
		raw, ok := lock[section]
		if !ok {
			continue
		}
		var entries map[string]pipfileEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("section %s: %w", section, err)
		}
		names := make([]string, 0, len(entries))
		for n := range entries {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			e := entries[n]
			req := models.Requirement{
				Name:      NormalizeName(n),
				Specifier: strings.ReplaceAll(e.Version, " ", ""),
				Marker:    e.Markers,
				Section:   section,
			}
			if v, ok := exactVersion(req.Specifier); ok {
				req.Version = v
			} else if e.Git != "" && e.Ref != "" {
				req.Specifier = "@ git+" + e.Git + "@" + e.Ref
			}
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

type tomlLock struct {
	Package  []tomlPackage `toml:"package"`  // poetry.lock, uv.lock
	Packages []tomlPackage `toml:"packages"` // pylock.toml
}

type tomlPackage struct {
	Name    string         `toml:"name"`
	Version string         `toml:"version"`
	Marker  string         `toml:"marker"`
	Markers any            `toml:"markers"`
	Source  map[string]any `toml:"source"`
}

func parseTOMLLock(src string) ([]models.Requirement, error) {
	var lock tomlLock
	if _, err := toml.Decode(src, &lock); err != nil {
		return nil, err
	}

	var reqs []models.Requirement
	for _, p := range append(lock.Package, lock.Packages...) {
		if isLocalSource(p.Source) {
			continue
		}
		marker := p.Marker
		if s, ok := p.Markers.(string); ok && marker == "" {
			marker = s
		}
		reqs = append(reqs, models.Requirement{
			Name:    NormalizeName(p.Name),
			Version: strings.TrimSpace(p.Version),
			Marker:  marker,
		})
	}
	return reqs, nil
}

// isLocalSource reports whether a lock entry is the project itself or a
// local path dependency, which carry no registry version.
func isLocalSource(src map[string]any) bool {
	for _, k := range []string{"editable", "virtual", "directory"} {
		if _, ok := src[k]; ok {
			return true
		}
	}
	return false
}
