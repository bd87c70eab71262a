package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/minio/selfupdate"

	"geist/internal/integrity"
	"geist/internal/manifest"
)

// SelfUpdater swaps the supervisor binary. Stage writes the new binary next
// to the target without touching it; Commit performs the swap and keeps the
// old binary at path.prev; Exec replaces the running image with the new one.
type SelfUpdater struct {
	binaryPath string
	execArgs   []string
}

func NewSelfUpdater(binaryPath string, execArgs []string) *SelfUpdater {
	return &SelfUpdater{binaryPath: binaryPath, execArgs: execArgs}
}

func (u *SelfUpdater) options() selfupdate.Options {
	return selfupdate.Options{
		TargetPath:  u.binaryPath,
		TargetMode:  0o755,
		OldSavePath: u.binaryPath + previousSuffix,
	}
}

func (u *SelfUpdater) CheckPermissions() error {
	opts := u.options()
	return opts.CheckPermissions()
}

func (u *SelfUpdater) Stage(a *integrity.VerifiedArtifact) error {
	if a.Component() != manifest.Supervisor {
		return fmt.Errorf("%w: artifact for %s offered to the supervisor", ErrInstallFailed, a.Component())
	}
	if err := selfupdate.PrepareAndCheckBinary(bytes.NewReader(a.Payload()), u.options()); err != nil {
		return fmt.Errorf("%w: staging supervisor binary: %v", ErrInstallFailed, err)
	}
	slog.Info("Supervisor binary staged", "path", u.binaryPath, "size", a.Size())
	return nil
}

func (u *SelfUpdater) Commit() error {
	if err := selfupdate.CommitBinary(u.options()); err != nil {
		if rerr := selfupdate.RollbackError(err); rerr != nil {
			return fmt.Errorf("%w: swapping supervisor binary: %v (restoring the old binary also failed: %v)", ErrInstallFailed, err, rerr)
		}
		return fmt.Errorf("%w: swapping supervisor binary: %v", ErrInstallFailed, err)
	}
	slog.Info("Supervisor binary swapped", "path", u.binaryPath)
	return nil
}

// Restore moves the binary saved by the last Commit back into place.
func (u *SelfUpdater) Restore() error {
	if err := RestoreBinary(u.binaryPath); err != nil {
		return fmt.Errorf("%w: supervisor: %v", ErrInstallFailed, err)
	}
	slog.Info("Previous supervisor binary restored", "path", u.binaryPath)
	return nil
}

// Exec replaces the running process with the installed supervisor binary.
// It only returns on failure.
func (u *SelfUpdater) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: supervisor: %v", ErrRestartFailed, err)
	}
	argv := append([]string{u.binaryPath}, u.execArgs...)
	slog.Info("Re-executing supervisor", "path", u.binaryPath, "args", u.execArgs)
	err := syscall.Exec(u.binaryPath, argv, os.Environ())
	if err == nil {
		err = errors.New("exec returned")
	}
	return fmt.Errorf("%w: supervisor: %v", ErrRestartFailed, err)
}
