package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"geist/internal/manifest"
	"geist/internal/resolve"
	"geist/internal/state"
)

// abort handles a failure at or after Staged: the session moves to Failed
// and every touched component is rolled back. Rollback runs on a context
// detached from ctx so that a cancelled session still restores the device.
func (s *Session) abort(ctx context.Context, st *state.State, cause error) (*Result, error) {
	phase := s.current
	s.transition(Failed)
	s.log.Error("Session failed, rolling back", "phase", phase, "error", cause)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RollbackTimeout)
	defer cancel()

	touched := append([]manifest.Kind(nil), st.Session.Touched...)
	reverted, err := s.rollback(rctx, st)
	f := &Failure{
		Session:    s.id,
		State:      RolledBack,
		Phase:      phase,
		Components: failedComponents(cause),
		Reverted:   reverted,
		Err:        cause,
	}
	if err != nil {
		f.State = Failed
		f.Err = errors.Join(cause, err)
		if len(f.Components) == 0 {
			f.Components = touched
		}
	}
	return nil, f
}

// rollback reverts every component the open marker records as touched, in
// reverse touch order, then restarts them in the fixed restart order. It
// gives up after the configured number of attempts and leaves the marker
// open with the manual intervention flag set.
func (s *Session) rollback(ctx context.Context, st *state.State) ([]manifest.Kind, error) {
	m := st.Session
	if s.current != RollingBack {
		s.transition(RollingBack)
	}
	m.Phase = state.PhaseRollingBack
	if err := s.checkpoint(st); err != nil {
		s.log.Error("Failed to checkpoint rollback", "error", err)
	}

	touched := m.Touched

	var lastErr error
	ran := false
	for m.Attempts < s.opts.RollbackAttempts {
		ran = true
		m.Attempts++
		if err := s.checkpoint(st); err != nil {
			lastErr = err
			continue
		}
		if lastErr = s.revertAll(ctx, st); lastErr == nil {
			break
		}
		s.log.Warn("Rollback attempt failed", "attempt", m.Attempts, "max_attempts", s.opts.RollbackAttempts, "error", lastErr)
	}

	if !ran && len(touched) > 0 {
		lastErr = errors.New("no rollback attempts left")
	}

	if lastErr != nil {
		st.ManualIntervention = true
		st.ManualReason = fmt.Sprintf("rollback of session %s failed after %d attempts: %v", m.ID, m.Attempts, lastErr)
		s.transition(Failed)
		if err := s.checkpoint(st); err != nil {
			s.log.Error("Failed to record manual intervention", "error", err)
		}
		s.log.Error("Rollback failed, manual intervention required", "error", lastErr)
		return append([]manifest.Kind(nil), m.Reverted...), fmt.Errorf("%w: %v", ErrRollbackFailed, lastErr)
	}

	reverted := append([]manifest.Kind(nil), m.Reverted...)
	st.Sequence = m.Sequence
	st.ManualIntervention = false
	st.ManualReason = ""
	st.Session = nil
	s.transition(RolledBack)
	if err := s.checkpoint(st); err != nil {
		return reverted, fmt.Errorf("%w: closing session: %v", ErrRollbackFailed, err)
	}
	s.log.Info("Session rolled back", "reverted", len(reverted))
	return reverted, nil
}

// revertAll reapplies the rollback target of every touched kind not yet
// reverted, newest first, and restarts all of them.
func (s *Session) revertAll(ctx context.Context, st *state.State) error {
	m := st.Session
	kinds := append([]manifest.Kind(nil), m.Touched...)
	slices.Reverse(kinds)
	for _, kind := range kinds {
		if m.IsReverted(kind) {
			continue
		}
		if err := s.revert(ctx, st, kind); err != nil {
			return forComponent(kind, err)
		}
		m.Reverted = append(m.Reverted, kind)
		st.Component(kind).Current = m.RollbackTarget[kind]
		if err := s.checkpoint(st); err != nil {
			return forComponent(kind, err)
		}
		s.log.Info("Component reverted", "component", kind, "version", m.RollbackTarget[kind].Version)
	}

	for _, kind := range resolve.RestartOrder(m.Touched) {
		// the supervisor runs its reverted binary from the next invocation
		if kind == manifest.Supervisor {
			continue
		}
		if err := s.deps.Controller.Restart(ctx, kind); err != nil {
			return forComponent(kind, err)
		}
	}
	return nil
}

func (s *Session) revert(ctx context.Context, st *state.State, kind manifest.Kind) error {
	target := st.Session.RollbackTarget[kind]
	s.log.Info("Reverting component", "component", kind, "phase", RollingBack, "version", target.Version)

	if target.IsZero() {
		// never installed through a session: put back what the install replaced
		switch kind.Category() {
		case manifest.CategorySupervisor:
			return s.deps.Self.Restore()
		case manifest.CategoryApplication:
			return s.deps.Controller.Restore(ctx, kind)
		}
		return fmt.Errorf("no last-known-good firmware is recorded")
	}

	va, err := s.obtain(ctx, kind, target)
	if err != nil {
		return err
	}
	switch kind.Category() {
	case manifest.CategoryFirmware:
		return s.deps.Controller.Flash(ctx, kind.Target(), va)
	case manifest.CategoryApplication:
		return s.deps.Controller.Install(ctx, kind, va)
	case manifest.CategorySupervisor:
		if err := s.deps.Self.Stage(va); err != nil {
			return err
		}
		return s.deps.Self.Commit()
	}
	return fmt.Errorf("unknown component kind")
}
