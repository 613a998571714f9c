package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Collect expands patterns relative to root and returns the matching files,
// unique and sorted, as slash-separated paths relative to root. A matched
// directory contributes every file below it. Patterns starting with "!"
// exclude matches. Patterns that leave root are an error.
func Collect(root string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	files := make(map[string]bool)
	var excludes []string

	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		pattern, exclude := strings.CutPrefix(raw, "!")
		pattern = filepath.ToSlash(pattern)
		if err := checkPattern(pattern); err != nil {
			return nil, err
		}
		pattern = path.Clean(strings.TrimPrefix(pattern, "./"))
		if exclude {
			excludes = append(excludes, pattern)
			continue
		}

		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", raw, err)
		}
		for _, m := range matches {
			if err := addTree(fsys, m, files); err != nil {
				return nil, err
			}
		}
	}

	out := make([]string, 0, len(files))
	for f := range files {
		if excluded(f, excludes) {
			continue
		}
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func checkPattern(pattern string) error {
	if path.IsAbs(pattern) || filepath.IsAbs(pattern) {
		return fmt.Errorf("pattern %q must be relative to the workspace", pattern)
	}
	for _, seg := range strings.Split(path.Clean(pattern), "/") {
		if seg == ".." {
			return fmt.Errorf("pattern %q escapes the workspace", pattern)
		}
	}
	return nil
}

// addTree adds name, or every regular file below it when it is a directory.
func addTree(fsys fs.FS, name string, files map[string]bool) error {
	return fs.WalkDir(fsys, name, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files[p] = true
		}
		return nil
	})
}

func excluded(file string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, _ := doublestar.Match(ex, file); ok {
			return true
		}
		if strings.HasPrefix(file, ex+"/") {
			return true
		}
	}
	return false
}

// Archive writes the files, given relative to root, into a gzipped tarball.
func Archive(root string, files []string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, name := range files {
		if err := addFile(tw, root, name); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip: %w", err)
	}
	return &buf, nil
}

func addFile(tw *tar.Writer, root, name string) error {
	full := filepath.Join(root, filepath.FromSlash(name))
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	hdr.Name = name

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	return nil
}
