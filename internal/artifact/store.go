// Package artifact collects files produced by steps and stores them as
// tar.gz archives.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spachava753/matrixci/internal/models"
)

// Store persists artifact archives.
type Store interface {
	// Put stores size bytes from r under key and returns where it was stored.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}

// NewStore returns the store configured by cfg. Relative local directories
// are resolved against baseDir.
func NewStore(ctx context.Context, cfg models.ArtifactsConfig, baseDir string) (Store, error) {
	switch cfg.Store {
	case "", "local":
		dir := cfg.Dir
		if dir == "" {
			dir = "artifacts"
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		return &LocalStore{Dir: dir}, nil
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.Store)
	}
}

func validKey(key string) error {
	clean := path.Clean(key)
	if key == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	return nil
}

// LocalStore writes archives below Dir.
type LocalStore struct {
	Dir string
}

// Put writes the archive to Dir/key.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	dst := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating artifact: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return dst, nil
}

// S3Store uploads archives to an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3Store connects to the configured endpoint and makes sure the bucket exists.
func NewS3Store(ctx context.Context, cfg models.ArtifactsConfig) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 artifact store requires endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	s := &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads the archive and returns its s3:// URL.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
