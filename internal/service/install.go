package service

import (
	"errors"
	"fmt"
	"os"

	"geist/internal/util"
)

const previousSuffix = ".prev"

// InstallBinary replaces path with data, mode 0755. The replaced binary is
// kept as path.prev.
func InstallBinary(path string, data []byte) error {
	old, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := util.WriteFileAtomic(path+previousSuffix, old, 0o755); err != nil {
			return fmt.Errorf("failed to keep previous binary: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}
	return util.WriteFileAtomic(path, data, 0o755)
}

// RestoreBinary moves path.prev back over path.
func RestoreBinary(path string) error {
	prev := path + previousSuffix
	if _, err := os.Stat(prev); err != nil {
		return fmt.Errorf("no previous binary at %s: %w", prev, err)
	}
	return os.Rename(prev, path)
}
