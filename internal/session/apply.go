package session

import (
	"context"
	"fmt"

	"geist/internal/manifest"
	"geist/internal/resolve"
	"geist/internal/state"
)

// applyOrder sorts the staged targets: firmware in manifest order, then the
// application, then the supervisor swap last.
func applyOrder(targets []state.Target) []state.Target {
	specs := make([]manifest.ComponentSpec, len(targets))
	byKind := make(map[manifest.Kind]state.Target, len(targets))
	for i, t := range targets {
		specs[i] = t.ID.Spec(t.Kind)
		byKind[t.Kind] = t
	}
	ordered := resolve.ApplyOrder(specs)
	out := make([]state.Target, len(ordered))
	for i, c := range ordered {
		out[i] = byKind[c.Component()]
	}
	return out
}

func (s *Session) apply(ctx context.Context, st *state.State) error {
	m := st.Session
	s.transition(Applying)
	m.Phase = state.PhaseApplying
	if err := s.checkpoint(st); err != nil {
		return err
	}

	targets := applyOrder(m.Staged)

	// Staging the new supervisor binary does not touch the running one, so
	// it happens first and a staging failure leaves nothing to undo.
	for _, t := range targets {
		if t.Kind != manifest.Supervisor || (m.SelfUpdate != nil && m.SelfUpdate.Staged) {
			continue
		}
		if err := s.deps.Self.Stage(s.verified[t.Kind]); err != nil {
			return forComponent(t.Kind, err)
		}
		m.SelfUpdate = &state.SelfUpdate{Staged: true}
		if err := s.checkpoint(st); err != nil {
			return err
		}
	}

	for _, t := range targets {
		if m.IsApplied(t.Kind) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return forComponent(t.Kind, err)
		}
		va, ok := s.verified[t.Kind]
		if !ok {
			return forComponent(t.Kind, fmt.Errorf("no verified artifact staged"))
		}

		if !m.IsTouched(t.Kind) {
			m.Touched = append(m.Touched, t.Kind)
		}
		if err := s.checkpoint(st); err != nil {
			return forComponent(t.Kind, err)
		}

		log := s.log.With("component", t.Kind, "phase", Applying)
		log.Info("Applying component", "version", t.ID.Version)

		var err error
		switch t.Kind.Category() {
		case manifest.CategoryFirmware:
			err = s.deps.Controller.Flash(ctx, t.Kind.Target(), va)
		case manifest.CategoryApplication:
			err = s.deps.Controller.Install(ctx, t.Kind, va)
		case manifest.CategorySupervisor:
			err = s.deps.Self.Commit()
			if err == nil {
				m.SelfUpdate.Committed = true
			}
		default:
			err = fmt.Errorf("unknown component kind")
		}
		if err != nil {
			log.Error("Apply failed", "error", err)
			return forComponent(t.Kind, err)
		}

		m.Applied = append(m.Applied, t.Kind)
		st.Component(t.Kind).Current = t.ID
		if err := s.checkpoint(st); err != nil {
			return forComponent(t.Kind, err)
		}
		log.Info("Component applied")
	}
	return nil
}

// restart brings every staged component back up in the fixed order:
// firmware-dependent services, the supervisor, then the application.
func (s *Session) restart(ctx context.Context, st *state.State) error {
	m := st.Session
	if s.current != Restarting {
		s.transition(Restarting)
	}
	m.Phase = state.PhaseRestarting
	if err := s.checkpoint(st); err != nil {
		return err
	}

	for _, kind := range resolve.RestartOrder(m.Kinds()) {
		if m.IsRestarted(kind) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return forComponent(kind, err)
		}
		log := s.log.With("component", kind, "phase", Restarting)

		if kind == manifest.Supervisor {
			if m.SelfUpdate == nil || !m.SelfUpdate.Executed {
				if m.SelfUpdate == nil {
					m.SelfUpdate = &state.SelfUpdate{}
				}
				m.SelfUpdate.Executed = true
				if err := s.checkpoint(st); err != nil {
					return forComponent(kind, err)
				}
				// Exec only returns on failure when it replaces the process;
				// the new image resumes this session through recovery.
				if err := s.deps.Self.Exec(ctx); err != nil {
					m.SelfUpdate.Executed = false
					log.Error("Restart failed", "error", err)
					return forComponent(kind, err)
				}
			}
		} else if err := s.deps.Controller.Restart(ctx, kind); err != nil {
			log.Error("Restart failed", "error", err)
			return forComponent(kind, err)
		}

		m.Restarted = append(m.Restarted, kind)
		if err := s.checkpoint(st); err != nil {
			return forComponent(kind, err)
		}
		log.Info("Component restarted")
	}
	return nil
}

// complete records the new identities as last-known-good and closes the
// marker in a single checkpoint.
func (s *Session) complete(st *state.State) (*Result, error) {
	m := st.Session
	for _, t := range m.Staged {
		cs := st.Component(t.Kind)
		cs.Current = t.ID
		cs.LastKnownGood = t.ID
	}
	st.Sequence = m.Sequence
	st.Version = m.TargetVersion
	st.LastKnownGoodVersion = m.TargetVersion
	st.ManualIntervention = false
	st.ManualReason = ""
	st.Session = nil

	s.transition(Complete)
	if err := s.checkpoint(st); err != nil {
		// the marker is still on disk with every restart recorded, and
		// recovery completes it
		return nil, err
	}
	s.log.Info("Session complete", "version", m.TargetVersion, "sequence", m.Sequence)

	if s.deps.Cache != nil {
		for _, t := range m.Staged {
			if err := s.deps.Cache.Prune(t.Kind, st.CurrentID(t.Kind), st.LastKnownGoodID(t.Kind)); err != nil {
				s.log.Warn("Failed to prune artifact cache", "component", t.Kind, "error", err)
			}
		}
	}
	return &Result{Session: s.id, State: Complete, Version: m.TargetVersion, Components: m.Kinds()}, nil
}
