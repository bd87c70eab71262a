package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"geist/internal/integrity"
	"geist/internal/manifest"
	"geist/internal/util"
)

var (
	ErrNotCached  = errors.New("artifact not cached")
	ErrInvalidKey = errors.New("invalid cache key")
)

// Cache keeps the raw bytes of applied artifacts so that rollback can
// reapply them without the repository. Entries are keyed by component and
// checksum and are re-verified by the caller before use.
type Cache struct {
	dir string
}

func New(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) componentDir(kind manifest.Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: component %q", ErrInvalidKey, kind)
	}
	return filepath.Join(c.dir, strings.ReplaceAll(kind.String(), ":", "_")), nil
}

// path only accepts digests, so an entry never resolves outside its
// component directory.
func (c *Cache) path(kind manifest.Kind, checksum string) (string, error) {
	dir, err := c.componentDir(kind)
	if err != nil {
		return "", err
	}
	if !manifest.ValidChecksum(checksum) {
		return "", fmt.Errorf("%w: checksum %q", ErrInvalidKey, checksum)
	}
	name := strings.ToLower(strings.ReplaceAll(checksum, ":", "-"))
	return filepath.Join(dir, name+".bin"), nil
}

// Put stores the raw content of a verified artifact.
func (c *Cache) Put(v *integrity.VerifiedArtifact) error {
	dst, err := c.path(v.Component(), v.Checksum())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := util.WriteFileAtomic(dst, v.Raw(), 0o600); err != nil {
		return fmt.Errorf("failed to cache %s: %w", v.Component(), err)
	}
	slog.Debug("Cached artifact", "component", v.Component(), "checksum", v.Checksum())
	return nil
}

// Get returns the cached bytes for id as an unverified artifact.
func (c *Cache) Get(kind manifest.Kind, id manifest.ArtifactID) (*integrity.Artifact, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: %s has no identity", ErrNotCached, kind)
	}
	p, err := c.path(kind, id.Checksum)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s %s", ErrNotCached, kind, id.Checksum)
		}
		return nil, fmt.Errorf("failed to read cached %s: %w", kind, err)
	}
	return &integrity.Artifact{Component: kind, Ref: id.Artifact, Data: data}, nil
}

// Prune removes every cached artifact of kind that is not one of keep.
func (c *Cache) Prune(kind manifest.Kind, keep ...manifest.ArtifactID) error {
	dir, err := c.componentDir(kind)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		if p, err := c.path(kind, id.Checksum); err == nil {
			wanted[filepath.Base(p)] = true
		}
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || wanted[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Debug("Pruned cached artifact", "component", kind, "file", e.Name())
	}
	return errors.Join(errs...)
}

// Remove drops the cached bytes for id.
func (c *Cache) Remove(kind manifest.Kind, id manifest.ArtifactID) error {
	if id.IsZero() {
		return nil
	}
	p, err := c.path(kind, id.Checksum)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
