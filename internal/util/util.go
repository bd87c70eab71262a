package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"geist/internal/logging"
)

func StatePath(baseDir string) string {
	return filepath.Join(baseDir, "run", "state.yaml")
}

func LockPath(baseDir string) string {
	return filepath.Join(baseDir, "run", "geist.lock")
}

func LogDir(baseDir string) string {
	return filepath.Join(baseDir, "logs")
}

func LogPath(baseDir string, now time.Time) string {
	return filepath.Join(LogDir(baseDir), fmt.Sprintf("geist-%s.log", now.Format("2006-01-02")))
}

func ArtifactDir(baseDir string) string {
	return filepath.Join(baseDir, "artifacts")
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func SetupLogging(logPath, consoleLevel string) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(logPath, consoleLevel)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}

// WriteFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over filename. Readers see the old or the new content, never
// a partial write.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}
	tmpName = ""

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// CheckWritable probes dir by creating and removing a file in it.
func CheckWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return fmt.Errorf("no write permission in %s: %w", dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("failed to clean up %s: %w", probe, err)
	}
	return nil
}
