package lockfile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spachava753/matrixci/internal/models"
)

const (
	RulePinned     = "pinned-versions"
	RuleDuplicates = "duplicate-requirements"
)

// exactVersion returns the version of a single == or === clause without
// wildcards.
func exactVersion(spec string) (string, bool) {
	if strings.Contains(spec, ",") {
		return "", false
	}
	var v string
	switch {
	case strings.HasPrefix(spec, "==="):
		v = spec[3:]
	case strings.HasPrefix(spec, "=="):
		v = spec[2:]
	default:
		return "", false
	}
	if v == "" || strings.Contains(v, "*") {
		return "", false
	}
	return v, true
}

var commitRev = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Pinned reports whether a requirement names exactly one version. A direct
// reference (name @ url) is pinned only when it is immutable: a VCS URL at a
// full commit hash, a URL with a digest fragment, or an entry with --hash.
// Lock entries carry a bare version and are pinned when it is free of range
// operators.
func Pinned(req models.Requirement) bool {
	if req.Specifier != "" {
		if url, ok := strings.CutPrefix(req.Specifier, "@"); ok {
			return req.Hashed || immutableURL(strings.TrimSpace(url))
		}
		_, ok := exactVersion(req.Specifier)
		return ok
	}
	v := req.Version
	return v != "" && !strings.ContainsAny(v, "<>=!~*,^ ")
}

func immutableURL(url string) bool {
	base, frag, _ := strings.Cut(url, "#")
	for _, part := range strings.Split(frag, "&") {
		alg, digest, _ := strings.Cut(part, "=")
		switch alg {
		case "sha256", "sha384", "sha512":
			if digest != "" {
				return true
			}
		}
	}

	if !strings.HasPrefix(base, "git+") {
		return false
	}
	rest := base
	if _, after, ok := strings.Cut(base, "://"); ok {
		rest = after
	}
	// a user@host prefix has no slash before the @
	i := strings.LastIndex(rest, "@")
	if i < 0 || !strings.Contains(rest[:i], "/") {
		return false
	}
	return commitRev.MatchString(rest[i+1:])
}

// CheckPinned returns an error finding for every unpinned entry.
func CheckPinned(m models.Manifest) []models.Finding {
	var findings []models.Finding
	for _, req := range m.Entries {
		if Pinned(req) {
			continue
		}
		msg := fmt.Sprintf("%s is not pinned to an exact version", req.Name)
		switch {
		case strings.HasPrefix(req.Specifier, "@"):
			msg = fmt.Sprintf("%s %s is not pinned to a commit hash or digest", req.Name, req.Specifier)
		case req.Specifier != "":
			msg = fmt.Sprintf("%s%s is not pinned to an exact version (use ==)", req.Name, req.Specifier)
		}
		findings = append(findings, models.Finding{
			Rule:     RulePinned,
			Severity: models.SeverityError,
			File:     m.Path,
			Location: location(req),
			Message:  msg,
		})
	}
	return findings
}

// Duplicates returns a warning for every package listed more than once
// without an environment marker to tell the entries apart.
func Duplicates(m models.Manifest) []models.Finding {
	type key struct{ section, name string }
	first := make(map[key]models.Requirement)

	var findings []models.Finding
	for _, req := range m.Entries {
		if req.Marker != "" {
			continue
		}
		k := key{req.Section, req.Name}
		prev, seen := first[k]
		if !seen {
			first[k] = req
			continue
		}
		findings = append(findings, models.Finding{
			Rule:     RuleDuplicates,
			Severity: models.SeverityWarning,
			File:     m.Path,
			Location: location(req),
			Message:  fmt.Sprintf("%s is already listed at %s", req.Name, location(prev)),
		})
	}
	return findings
}

func location(req models.Requirement) string {
	switch {
	case req.Line > 0:
		return fmt.Sprintf("line %d", req.Line)
	case req.Section != "":
		return req.Section + "." + req.Name
	default:
		return req.Name
	}
}
