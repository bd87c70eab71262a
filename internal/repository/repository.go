package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"geist/internal/config"
)

var (
	ErrVersionNotFound = errors.New("version not found")
	ErrFetchFailed     = errors.New("fetch failed")
)

const (
	releasesDir  = "releases"
	latestName   = "latest"
	manifestName = "manifest.yaml"
)

// Store is the artifact repository. It serves release manifests and the
// artifact blobs they reference.
type Store interface {
	// Latest returns the version the repository currently marks as latest.
	Latest(ctx context.Context) (string, error)
	// Manifest returns the raw manifest for version, or ErrVersionNotFound.
	Manifest(ctx context.Context, version string) ([]byte, error)
	// Fetch returns the artifact ref declared by the manifest of version.
	Fetch(ctx context.Context, version, ref string) ([]byte, error)
	// Ping checks that the repository is reachable.
	Ping(ctx context.Context) error
}

func New(ctx context.Context, cfg *config.Config) (Store, error) {
	repo := cfg.Repository
	switch repo.Type {
	case "s3":
		return NewS3(ctx, repo.S3.Bucket, repo.S3.Region, repo.S3.Prefix, repo.S3.Endpoint, cfg.RetryAttempts())
	case "http":
		return NewHTTP(repo.HTTP.BaseURL, repo.HTTP.Token, cfg.RetryAttempts(), repo.HTTP.Retry.Backoff.Or(time.Second)), nil
	case "local":
		return NewLocal(repo.Local.Dir), nil
	}
	return nil, fmt.Errorf("unknown repository type %q", repo.Type)
}

func manifestPath(version string) string {
	return path.Join(releasesDir, version, manifestName)
}

func latestPath() string {
	return path.Join(releasesDir, latestName)
}

// isAbsoluteRef reports whether ref names a location outside the release
// directory.
func isAbsoluteRef(ref string) bool {
	return strings.Contains(ref, "://") || strings.HasPrefix(ref, "/")
}

// artifactPath resolves a manifest reference relative to its release.
func artifactPath(version, ref string) string {
	if isAbsoluteRef(ref) {
		return ref
	}
	return path.Join(releasesDir, version, path.Clean("/" + ref)[1:])
}

// withRetry runs fn up to attempts times with linear backoff. Errors marked
// permanent by fn stop the loop.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, what string, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		slog.Warn("Repository request failed, retrying", "what", what, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return err
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func permanent(err error) error {
	return &permanentError{err: err}
}
