package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"geist/internal/cache"
	"geist/internal/integrity"
	"geist/internal/manifest"
	"geist/internal/repository"
	"geist/internal/resolve"
	"geist/internal/state"
)

// Controller is the device side of a session: firmware flashing, binary
// replacement and service restarts.
type Controller interface {
	Flash(ctx context.Context, target string, a *integrity.VerifiedArtifact) error
	Install(ctx context.Context, kind manifest.Kind, a *integrity.VerifiedArtifact) error
	Restore(ctx context.Context, kind manifest.Kind) error
	Restart(ctx context.Context, kind manifest.Kind) error
	CheckWritable(kinds []manifest.Kind) error
}

// SelfUpdater swaps and re-executes the supervisor binary.
type SelfUpdater interface {
	CheckPermissions() error
	Stage(a *integrity.VerifiedArtifact) error
	Commit() error
	Restore() error
	Exec(ctx context.Context) error
}

type Resolver interface {
	Resolve(ctx context.Context, sel resolve.Selector) (*manifest.Manifest, error)
}

type Deps struct {
	Resolver   Resolver
	Store      repository.Store
	Cache      *cache.Cache
	Verifier   *integrity.Verifier
	Controller Controller
	Self       SelfUpdater
	States     *state.Store
}

type Options struct {
	Parallelism      int
	RollbackAttempts int
	RollbackTimeout  time.Duration
}

// Request describes a forward session.
type Request struct {
	Command  string
	Selector resolve.Selector
	// Only restricts the diff set; nil keeps every component.
	Only func(manifest.Kind) bool
	// AllowManual lets the session run while the manual intervention flag
	// is set. A completed session clears the flag.
	AllowManual bool
}

// Result describes a session that reached Complete, RolledBack or, for
// verify, Staged.
type Result struct {
	Session    string
	State      State
	Version    string
	Components []manifest.Kind
	Reverted   []manifest.Kind
}

// Session is one update session. It is not safe for concurrent use;
// exclusivity across processes is the caller's job (see internal/lock).
type Session struct {
	id      string
	deps    Deps
	opts    Options
	log     *slog.Logger
	current State
	history []State

	verified map[manifest.Kind]*integrity.VerifiedArtifact
}

func New(deps Deps, opts Options) *Session {
	if opts.Parallelism < 1 {
		opts.Parallelism = 4
	}
	if opts.RollbackAttempts < 1 {
		opts.RollbackAttempts = 2
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = 10 * time.Minute
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		deps:     deps,
		opts:     opts,
		log:      slog.With("session", id),
		current:  Idle,
		history:  []State{Idle},
		verified: make(map[manifest.Kind]*integrity.VerifiedArtifact),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.current
}

// History returns every state the session passed through.
func (s *Session) History() []State {
	return append([]State(nil), s.history...)
}

func (s *Session) transition(to State) {
	if !canTransition(s.current, to) {
		panic(fmt.Sprintf("session: illegal transition %s -> %s", s.current, to))
	}
	s.log.Debug("Session transition", "from", s.current, "to", to)
	s.current = to
	s.history = append(s.history, to)
}

// resume places the session in the state recorded by an interrupted run.
func (s *Session) resume(id string, to State) {
	s.id = id
	s.log = slog.With("session", id)
	s.current = to
	s.history = append(s.history, to)
}

func (s *Session) checkpoint(st *state.State) error {
	if err := s.deps.States.Checkpoint(st); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// fail ends a session that never reached Staged. Nothing on the device has
// changed, so there is nothing to roll back.
func (s *Session) fail(err error) (*Result, error) {
	phase := s.current
	s.transition(Failed)
	s.log.Error("Session failed", "phase", phase, "error", err)
	return nil, &Failure{
		Session:    s.id,
		State:      Failed,
		Phase:      phase,
		Components: failedComponents(err),
		Err:        err,
	}
}

func (s *Session) load() (*state.State, error) {
	st, err := s.deps.States.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return st, nil
}

func (s *Session) refuse(st *state.State, allowManual bool) error {
	if st.Session != nil {
		return fmt.Errorf("%w: session %s was interrupted in phase %s and is still open",
			ErrManualIntervention, st.Session.ID, st.Session.Phase)
	}
	if st.ManualIntervention && !allowManual {
		return fmt.Errorf("%w: %s", ErrManualIntervention, st.ManualReason)
	}
	return nil
}

// Update resolves the requested version and moves every component that
// differs to it.
func (s *Session) Update(ctx context.Context, req Request) (*Result, error) {
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := s.refuse(st, req.AllowManual); err != nil {
		return nil, err
	}

	s.transition(Resolving)
	m, err := s.deps.Resolver.Resolve(ctx, req.Selector)
	if err != nil {
		return s.fail(err)
	}
	diff := resolve.Diff(m, st)
	if req.Only != nil {
		diff = resolve.Filter(diff, req.Only)
	}
	targets := make([]state.Target, 0, len(diff))
	for _, c := range diff {
		targets = append(targets, state.Target{Kind: c.Component(), ID: c.ID(m.Version)})
	}
	s.log.Info("Resolved update", "version", m.Version, "changed", len(targets), "declared", len(m.Components))

	return s.run(ctx, st, req.Command, m.Version, targets)
}

// Verify fetches and verifies every component of the selected release
// without touching the device. It ends in Staged.
func (s *Session) Verify(ctx context.Context, sel resolve.Selector) (*Result, error) {
	s.transition(Resolving)
	m, err := s.deps.Resolver.Resolve(ctx, sel)
	if err != nil {
		return s.fail(err)
	}
	targets := make([]state.Target, 0, len(m.Components))
	for _, c := range m.Components {
		targets = append(targets, state.Target{Kind: c.Component(), ID: c.ID(m.Version)})
	}
	if err := s.fetchAndVerify(ctx, targets); err != nil {
		return s.fail(err)
	}
	s.transition(Staged)
	s.log.Info("Release verified", "version", m.Version, "components", len(targets))
	return &Result{Session: s.id, State: Staged, Version: m.Version, Components: kindsOf(targets)}, nil
}

// RollbackToLastKnownGood reapplies the last-known-good artifact of every
// component that drifted from it. An interrupted session that could not be
// rolled back automatically is rolled back again with fresh attempts. On
// success the manual intervention flag is cleared.
func (s *Session) RollbackToLastKnownGood(ctx context.Context) (*Result, error) {
	st, err := s.load()
	if err != nil {
		return nil, err
	}

	if m := st.Session; m != nil {
		phase, err := fromPhase(m.Phase)
		if err != nil {
			phase = RollingBack
		}
		s.resume(m.ID, phase)
		if s.current != RollingBack {
			s.transition(Failed)
		}
		m.Attempts = 0
		reverted, err := s.rollback(ctx, st)
		if err != nil {
			return nil, &Failure{Session: s.id, State: Failed, Phase: RollingBack, Components: m.Touched, Reverted: reverted, Err: err}
		}
		return &Result{Session: s.id, State: RolledBack, Version: st.Version, Components: m.Touched, Reverted: reverted}, nil
	}

	s.transition(Resolving)
	var targets []state.Target
	for kind, cs := range st.Components {
		if cs.LastKnownGood.IsZero() || cs.Current.Same(cs.LastKnownGood) {
			continue
		}
		targets = append(targets, state.Target{Kind: kind, ID: cs.LastKnownGood})
	}
	sortTargets(targets)
	s.log.Info("Rolling back to last known good", "version", st.LastKnownGoodVersion, "changed", len(targets))
	return s.run(ctx, st, "rollback", st.LastKnownGoodVersion, targets)
}

// run drives a resolved diff set from Fetching to a terminal state.
func (s *Session) run(ctx context.Context, st *state.State, command, version string, targets []state.Target) (*Result, error) {
	if len(targets) == 0 {
		s.transition(Complete)
		if st.ManualIntervention {
			st.ManualIntervention = false
			st.ManualReason = ""
			if err := s.checkpoint(st); err != nil {
				return nil, err
			}
		}
		s.log.Info("Already up to date", "version", version)
		return &Result{Session: s.id, State: Complete, Version: version}, nil
	}

	if err := s.fetchAndVerify(ctx, targets); err != nil {
		return s.fail(err)
	}
	if err := s.preflight(targets); err != nil {
		return s.fail(err)
	}

	s.transition(Staged)
	rollbackTarget := make(map[manifest.Kind]manifest.ArtifactID, len(targets))
	for _, t := range targets {
		rollbackTarget[t.Kind] = st.CurrentID(t.Kind)
	}
	now := time.Now().Unix()
	st.Session = &state.Session{
		ID:             s.id,
		Sequence:       st.Sequence + 1,
		Command:        command,
		TargetVersion:  version,
		Phase:          state.PhaseStaged,
		StartedAt:      now,
		Staged:         targets,
		RollbackTarget: rollbackTarget,
	}
	if err := s.checkpoint(st); err != nil {
		st.Session = nil
		return s.fail(err)
	}
	s.log.Info("Session staged", "version", version, "sequence", st.Session.Sequence, "components", len(targets))

	return s.forward(ctx, st)
}

// forward runs Applying and Restarting for the open marker in st.
func (s *Session) forward(ctx context.Context, st *state.State) (*Result, error) {
	if err := s.apply(ctx, st); err != nil {
		return s.abort(ctx, st, err)
	}
	if err := s.restart(ctx, st); err != nil {
		return s.abort(ctx, st, err)
	}
	return s.complete(st)
}

func (s *Session) preflight(targets []state.Target) error {
	kinds := kindsOf(targets)
	if err := s.deps.Controller.CheckWritable(kinds); err != nil {
		return fmt.Errorf("%w: %v", ErrPreflight, err)
	}
	for _, k := range kinds {
		if k != manifest.Supervisor {
			continue
		}
		if s.deps.Self == nil {
			return fmt.Errorf("%w: supervisor update requested but no self updater is configured", ErrPreflight)
		}
		if err := s.deps.Self.CheckPermissions(); err != nil {
			return forComponent(k, fmt.Errorf("%w: %v", ErrPreflight, err))
		}
	}
	return nil
}

func kindsOf(targets []state.Target) []manifest.Kind {
	kinds := make([]manifest.Kind, len(targets))
	for i, t := range targets {
		kinds[i] = t.Kind
	}
	return kinds
}

// sortTargets puts targets in apply order; firmware targets sort by name
// since there is no manifest to take declaration order from.
func sortTargets(targets []state.Target) {
	rank := func(t state.Target) string {
		switch t.Kind.Category() {
		case manifest.CategoryFirmware:
			return "0" + t.Kind.Target()
		case manifest.CategoryApplication:
			return "1"
		}
		return "2"
	}
	slices.SortStableFunc(targets, func(a, b state.Target) int {
		return strings.Compare(rank(a), rank(b))
	})
}
