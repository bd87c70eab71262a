package lock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrSessionBusy = errors.New("another update session is active")

type Entry struct {
	Pid       int    `yaml:"pid"`
	Session   string `yaml:"session,omitempty"`
	Command   string `yaml:"command,omitempty"`
	StartedAt string `yaml:"started_at"`
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// createLock writes entry to path only if no lock file exists yet.
func createLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// Acquire registers the calling process as the single active session.
// A lock held by a dead pid is reclaimed. It fails with ErrSessionBusy
// instead of waiting. Returns a release function which should be called
// (deferred) when work is done.
func Acquire(lockPath, session, command string) (func() error, error) {
	entry := &Entry{
		Pid:       os.Getpid(),
		Session:   session,
		Command:   command,
		StartedAt: time.Now().Format(time.RFC3339),
	}

	err := createLock(lockPath, entry)
	if err == nil {
		return releaseFunc(lockPath, entry.Pid), nil
	}
	if !os.IsExist(err) {
		return nil, err
	}
	if err := reclaim(lockPath, entry); err != nil {
		return nil, err
	}
	return releaseFunc(lockPath, entry.Pid), nil
}

// reclaim replaces a lock left by a dead pid. The check and the removal run
// under an exclusive flock on a guard file, so two processes can never both
// remove the same stale entry and then each create their own.
func reclaim(lockPath string, entry *Entry) error {
	guard, err := os.OpenFile(lockPath+".guard", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer guard.Close()
	if err := syscall.Flock(int(guard.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", guard.Name(), err)
	}
	defer syscall.Flock(int(guard.Fd()), syscall.LOCK_UN)

	existing, err := readLock(lockPath)
	if err != nil {
		return err
	}
	if existing != nil && existing.Pid > 0 && isProcessAlive(existing.Pid) {
		return fmt.Errorf("%w: locked by pid %d running %s (started %s)",
			ErrSessionBusy, existing.Pid, existing.Command, existing.StartedAt)
	}
	if existing != nil {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := createLock(lockPath, entry); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: lock file %s was taken while reclaiming", ErrSessionBusy, lockPath)
		}
		return err
	}
	return nil
}

// Adopt takes over a lock that this pid already holds. A process that
// replaced its own image with exec keeps its pid and finds its own entry.
func Adopt(lockPath string) (func() error, error) {
	existing, err := readLock(lockPath)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Pid != os.Getpid() {
		return nil, fmt.Errorf("lock %s is not held by pid %d", lockPath, os.Getpid())
	}
	return releaseFunc(lockPath, existing.Pid), nil
}

func releaseFunc(lockPath string, pid int) func() error {
	return func() error {
		current, err := readLock(lockPath)
		if err != nil {
			return err
		}
		if current == nil || current.Pid != pid {
			return nil
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
}
