package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"geist/internal/integrity"
	"geist/internal/lock"
	"geist/internal/manifest"
	"geist/internal/repository"
	"geist/internal/service"
)

var (
	ErrRollbackFailed     = errors.New("rollback failed")
	ErrManualIntervention = errors.New("manual intervention required")
	ErrPreflight          = errors.New("preflight check failed")
)

// Failure is the error returned by a session that did not complete. State is
// the terminal state (Failed or RolledBack), Phase the state the failure
// happened in.
type Failure struct {
	Session    string
	State      State
	Phase      State
	Components []manifest.Kind
	Reverted   []manifest.Kind
	Err        error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s during %s", f.State, f.Phase)
	if len(f.Components) > 0 {
		names := make([]string, len(f.Components))
		for i, k := range f.Components {
			names[i] = k.String()
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(names, ", "))
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Kind names the error kind of the failure.
func (f *Failure) Kind() string {
	return KindOf(f.Err)
}

var errorKinds = []struct {
	err  error
	name string
	code int
}{
	{ErrRollbackFailed, "RollbackFailed", 6},
	{ErrManualIntervention, "ManualIntervention", 6},
	{lock.ErrSessionBusy, "SessionBusy", 7},
	{context.Canceled, "Interrupted", 130},
	{repository.ErrVersionNotFound, "VersionNotFound", 2},
	{manifest.ErrMalformed, "ManifestMalformed", 2},
	{integrity.ErrChecksumMismatch, "ChecksumMismatch", 3},
	{integrity.ErrSignatureInvalid, "SignatureInvalid", 3},
	{integrity.ErrDecryptFailed, "DecryptFailed", 3},
	{service.ErrFlashFailed, "FlashFailed", 4},
	{service.ErrInstallFailed, "InstallFailed", 4},
	{ErrPreflight, "PreflightFailed", 4},
	{service.ErrRestartFailed, "RestartFailed", 5},
	{repository.ErrFetchFailed, "FetchFailed", 1},
}

// KindOf returns the name of the most severe error kind found in err.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Error"
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return 1
}

// componentError attaches the component a failure belongs to.
type componentError struct {
	kind manifest.Kind
	err  error
}

func (e *componentError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *componentError) Unwrap() error {
	return e.err
}

func forComponent(kind manifest.Kind, err error) error {
	if err == nil {
		return nil
	}
	return &componentError{kind: kind, err: err}
}

// failedComponents collects the components named in err, including every
// branch of a joined error.
func failedComponents(err error) []manifest.Kind {
	var out []manifest.Kind
	var walk func(error)
	walk = func(err error) {
		for err != nil {
			if ce, ok := err.(*componentError); ok {
				out = append(out, ce.kind)
				return
			}
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, e := range joined.Unwrap() {
					walk(e)
				}
				return
			}
			err = errors.Unwrap(err)
		}
	}
	walk(err)
	return out
}
