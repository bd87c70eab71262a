package session

import (
	"context"
	"fmt"

	"geist/internal/manifest"
	"geist/internal/state"
)

// Recover closes a session that a previous process left open. It returns
// nil, nil when there is nothing to recover.
//
// A committed supervisor swap means the running binary is already the new
// one, so the pending restarts are resumed and the session completes. Any
// other open marker is rolled back; one that touched nothing closes as
// RolledBack without device calls. A marker whose sequence does not follow
// the persisted one is not trusted and needs an operator.
func (s *Session) Recover(ctx context.Context) (*Result, error) {
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	m := st.Session
	if m == nil {
		return nil, nil
	}
	if st.ManualIntervention {
		return nil, fmt.Errorf("%w: %s", ErrManualIntervention, st.ManualReason)
	}

	phase, err := fromPhase(m.Phase)
	if err == nil && m.Sequence != st.Sequence+1 {
		err = fmt.Errorf("session %s has sequence %d, expected %d", m.ID, m.Sequence, st.Sequence+1)
	}
	if err != nil {
		st.ManualIntervention = true
		st.ManualReason = "interrupted session marker is inconsistent: " + err.Error()
		if cerr := s.checkpoint(st); cerr != nil {
			s.log.Error("Failed to record manual intervention", "error", cerr)
		}
		return nil, &Failure{Session: m.ID, State: Failed, Phase: Idle, Err: fmt.Errorf("%w: %v", ErrManualIntervention, err)}
	}

	s.resume(m.ID, phase)
	s.log.Warn("Recovering interrupted session", "phase", m.Phase, "command", m.Command,
		"version", m.TargetVersion, "touched", len(m.Touched))

	switch {
	case phase == RollingBack:
		return s.recoverRollback(ctx, st)

	case m.SelfUpdate != nil && m.SelfUpdate.Committed:
		if m.SelfUpdate.Executed {
			m.Restarted = appendOnce(m.Restarted, manifest.Supervisor)
		}
		if err := s.restart(ctx, st); err != nil {
			return s.abort(ctx, st, err)
		}
		return s.complete(st)

	case phase == Restarting && allRestarted(m):
		s.log.Info("Every restart had finished, completing")
		return s.complete(st)
	}

	s.transition(Failed)
	return s.recoverRollback(ctx, st)
}

func (s *Session) recoverRollback(ctx context.Context, st *state.State) (*Result, error) {
	touched := st.Session.Touched
	reverted, err := s.rollback(ctx, st)
	if err != nil {
		return nil, &Failure{Session: s.id, State: Failed, Phase: RollingBack, Components: touched, Reverted: reverted, Err: err}
	}
	return &Result{Session: s.id, State: RolledBack, Version: st.Version, Components: touched, Reverted: reverted}, nil
}

func allRestarted(m *state.Session) bool {
	for _, t := range m.Staged {
		if !m.IsRestarted(t.Kind) {
			return false
		}
	}
	return true
}
