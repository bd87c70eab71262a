package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local serves releases from a directory laid out like the remote
// repository. Used for offline installs and tests.
type Local struct {
	dir string
}

func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

func (l *Local) Latest(_ context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(latestPath())))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: no latest pointer in %s", ErrVersionNotFound, l.dir)
		}
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (l *Local) Manifest(_ context.Context, version string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(manifestPath(version))))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return nil, fmt.Errorf("%w: manifest %s: %v", ErrFetchFailed, version, err)
	}
	return data, nil
}

func (l *Local) Fetch(ctx context.Context, version, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := artifactPath(version, ref)
	if strings.Contains(p, "://") {
		return nil, fmt.Errorf("%w: %s: local repository cannot fetch remote references", ErrFetchFailed, ref)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.dir, filepath.FromSlash(p))
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, ref, err)
	}
	return data, nil
}

func (l *Local) Ping(_ context.Context) error {
	info, err := os.Stat(l.dir)
	if err != nil {
		return fmt.Errorf("repository directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository path %s is not a directory", l.dir)
	}
	return nil
}
