// Package checkout clones the repository under test at a given ref.
package checkout

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Resolver clones repositories below a base directory. Clones are keyed by
// (url, ref), so repeated checkouts reuse the same directory.
type Resolver struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a Resolver whose base directory lives under
// os.TempDir() with a timestamp suffix.
func NewResolver() (*Resolver, error) {
	baseDir := filepath.Join(os.TempDir(), fmt.Sprintf("matrixci-checkout-%d", time.Now().Unix()))
	return NewResolverAt(baseDir)
}

// NewResolverAt creates a Resolver cloning into baseDir.
func NewResolverAt(baseDir string) (*Resolver, error) {
	slog.Debug("creating checkout base directory", "path", baseDir)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Resolver{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}, nil
}

func (r *Resolver) BaseDir() string {
	return r.baseDir
}

// Cleanup removes every clone.
func (r *Resolver) Cleanup() error {
	return os.RemoveAll(r.baseDir)
}

// Checkout clones url and checks out ref. An empty ref gets a shallow clone
// of the default branch; any other ref gets a full clone so that arbitrary
// commits can be checked out.
func (r *Resolver) Checkout(ctx context.Context, url, ref string) (string, error) {
	dir := filepath.Join(r.baseDir, cloneDirName(url, ref))

	lock := r.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); err == nil {
		slog.Debug("repository already cloned", "url", url, "path", dir)
		return dir, nil
	}

	if ref == "" {
		slog.Debug("cloning repository (shallow)", "url", url, "dest", dir)
		if err := git(ctx, "", "clone", "--depth", "1", url, dir); err != nil {
			return "", err
		}
	} else {
		slog.Debug("cloning repository (full)", "url", url, "ref", ref, "dest", dir)
		if err := git(ctx, "", "clone", url, dir); err != nil {
			return "", err
		}
		slog.Debug("checking out ref", "ref", ref)
		if err := git(ctx, dir, "checkout", "--quiet", ref); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}

	slog.Debug("repository cloned successfully", "url", url, "path", dir)
	return dir, nil
}

func (r *Resolver) lockFor(dir string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		r.locks[dir] = l
	}
	return l
}

// ResolveSHA returns the commit checked out in dir.
func ResolveSHA(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveBranch returns the checked out branch, or "" for a detached HEAD.
func ResolveBranch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %w", err)
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

func git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// cloneDirName builds a filesystem-safe directory name from the repository
// name, a hash of the URL and the ref.
func cloneDirName(url, ref string) string {
	h := sha256.Sum256([]byte(url))
	urlHash := fmt.Sprintf("%x", h[:8])

	refPart := "HEAD"
	if ref != "" {
		refPart = strings.NewReplacer("/", "_", ":", "_").Replace(ref)
		if len(refPart) > 40 {
			refPart = refPart[:40]
		}
	}

	repoName := filepath.Base(strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git"))
	return fmt.Sprintf("%s-%s-%s", repoName, urlHash, refPart)
}
