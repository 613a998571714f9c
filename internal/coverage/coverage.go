// Package coverage finds coverage reports and uploads them to a Codecov
// compatible endpoint.
package coverage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spachava753/matrixci/internal/artifact"
	"github.com/spachava753/matrixci/internal/models"
)

// DefaultPatterns are searched when a step names no files.
var DefaultPatterns = []string{"coverage.xml", "coverage*.xml", ".coverage.xml", "lcov.info"}

// ErrNoReports is returned when Find matches nothing.
var ErrNoReports = errors.New("no coverage reports found")

const eof = "<<<<<< EOF\n"

// Report is one upload: a set of report files plus the metadata attached to
// them.
type Report struct {
	Root   string
	Files  []string // relative to Root
	Flags  []string
	Name   string
	Commit string
	Branch string
}

// Find returns the coverage reports under root matching patterns, or the
// default patterns when none are given.
func Find(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	files, err := artifact.Collect(root, patterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w (patterns %s)", ErrNoReports, strings.Join(patterns, ", "))
	}
	return files, nil
}

type Uploader struct {
	URL    string
	Token  string
	Client *resty.Client
}

// NewUploader configures an uploader from the coverage config. The token is
// optional.
func NewUploader(cfg models.CoverageConfig, token string) *Uploader {
	client := resty.New().
		SetTimeout(cfg.Timeout.Duration).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(retryCondition)

	return &Uploader{URL: cfg.URL, Token: token, Client: client}
}

func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// Upload sends the report files in a single request body, each file
// preceded by a path marker and followed by an EOF marker.
func (u *Uploader) Upload(ctx context.Context, report Report) error {
	if len(report.Files) == 0 {
		return ErrNoReports
	}
	body, err := buildBody(report)
	if err != nil {
		return err
	}

	req := u.Client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetHeader("Accept", "text/plain").
		SetBody(body)
	params := map[string]string{
		"commit": report.Commit,
		"branch": report.Branch,
		"name":   report.Name,
		"flags":  strings.Join(report.Flags, ","),
	}
	for k, v := range params {
		if v != "" {
			req.SetQueryParam(k, v)
		}
	}
	if u.Token != "" {
		req.SetHeader("Authorization", "token "+u.Token)
	}

	resp, err := req.Post(u.URL)
	if err != nil {
		return fmt.Errorf("uploading coverage: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("uploading coverage: %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func buildBody(report Report) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range report.Files {
		data, err := os.ReadFile(filepath.Join(report.Root, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("reading coverage report: %w", err)
		}
		fmt.Fprintf(&buf, "# path=%s\n", name)
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
		buf.WriteString(eof)
	}
	return buf.Bytes(), nil
}
