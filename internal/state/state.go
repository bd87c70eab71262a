package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"geist/internal/manifest"
	"geist/internal/util"
)

// Phase mirrors the session phase recorded in the in-progress marker.
type Phase string

const (
	PhaseStaged      Phase = "staged"
	PhaseApplying    Phase = "applying"
	PhaseRestarting  Phase = "restarting"
	PhaseRollingBack Phase = "rolling_back"
)

// ComponentState records what is on the device for one component.
// LastKnownGood only changes once a session completes its restart phase.
type ComponentState struct {
	Current       manifest.ArtifactID `yaml:"current"`
	LastKnownGood manifest.ArtifactID `yaml:"last_known_good"`
}

// SelfUpdate tracks the supervisor binary swap across a self-exec.
type SelfUpdate struct {
	Staged    bool `yaml:"staged"`
	Committed bool `yaml:"committed"`
	Executed  bool `yaml:"executed"`
}

// Target is one component a session moves to a new identity.
type Target struct {
	Kind manifest.Kind       `yaml:"kind"`
	ID   manifest.ArtifactID `yaml:"id"`
}

// Session is the in-progress marker. Its presence at startup means the
// previous process stopped between Staged and a terminal state.
type Session struct {
	ID             string                                `yaml:"id"`
	Sequence       uint64                                `yaml:"sequence"`
	Command        string                                `yaml:"command"`
	TargetVersion  string                                `yaml:"target_version"`
	Phase          Phase                                 `yaml:"phase"`
	StartedAt      int64                                 `yaml:"started_at"`
	UpdatedAt      int64                                 `yaml:"updated_at"`
	Staged         []Target                              `yaml:"staged"`
	RollbackTarget map[manifest.Kind]manifest.ArtifactID `yaml:"rollback_target"`
	Touched        []manifest.Kind                       `yaml:"touched,omitempty"`
	Applied        []manifest.Kind                       `yaml:"applied,omitempty"`
	Restarted      []manifest.Kind                       `yaml:"restarted,omitempty"`
	Reverted       []manifest.Kind                       `yaml:"reverted,omitempty"`
	Attempts       int                                   `yaml:"rollback_attempts,omitempty"`
	SelfUpdate     *SelfUpdate                           `yaml:"self_update,omitempty"`
}

func (s *Session) IsTouched(kind manifest.Kind) bool {
	return contains(s.Touched, kind)
}

func (s *Session) IsApplied(kind manifest.Kind) bool {
	return contains(s.Applied, kind)
}

func (s *Session) IsRestarted(kind manifest.Kind) bool {
	return contains(s.Restarted, kind)
}

func (s *Session) IsReverted(kind manifest.Kind) bool {
	return contains(s.Reverted, kind)
}

// Kinds returns the staged component kinds in staging order.
func (s *Session) Kinds() []manifest.Kind {
	kinds := make([]manifest.Kind, 0, len(s.Staged))
	for _, t := range s.Staged {
		kinds = append(kinds, t.Kind)
	}
	return kinds
}

func contains(kinds []manifest.Kind, kind manifest.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// State is the durable device record.
type State struct {
	Sequence             uint64                            `yaml:"sequence"`
	Version              string                            `yaml:"version,omitempty"`
	LastKnownGoodVersion string                            `yaml:"last_known_good_version,omitempty"`
	Components           map[manifest.Kind]*ComponentState `yaml:"components"`
	ManualIntervention   bool                              `yaml:"manual_intervention,omitempty"`
	ManualReason         string                            `yaml:"manual_reason,omitempty"`
	Session              *Session                          `yaml:"session,omitempty"`
	LastUpdated          int64                             `yaml:"last_updated"`
}

func New() *State {
	return &State{Components: make(map[manifest.Kind]*ComponentState)}
}

// Component returns the record for kind, creating an empty one.
func (s *State) Component(kind manifest.Kind) *ComponentState {
	if s.Components == nil {
		s.Components = make(map[manifest.Kind]*ComponentState)
	}
	cs, ok := s.Components[kind]
	if !ok {
		cs = &ComponentState{}
		s.Components[kind] = cs
	}
	return cs
}

// CurrentID returns the applied identity for kind without creating a record.
func (s *State) CurrentID(kind manifest.Kind) manifest.ArtifactID {
	if cs, ok := s.Components[kind]; ok {
		return cs.Current
	}
	return manifest.ArtifactID{}
}

func (s *State) LastKnownGoodID(kind manifest.Kind) manifest.ArtifactID {
	if cs, ok := s.Components[kind]; ok {
		return cs.LastKnownGood
	}
	return manifest.ArtifactID{}
}

// Store reads and checkpoints the state file. Every write goes through
// Checkpoint, which replaces the file atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted state, or a fresh one on first run.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	st := New()
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", s.path, err)
	}
	if st.Components == nil {
		st.Components = make(map[manifest.Kind]*ComponentState)
	}
	return st, nil
}

// Checkpoint durably replaces the state file with st.
func (s *Store) Checkpoint(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.LastUpdated = time.Now().Unix()
	if st.Session != nil {
		st.Session.UpdatedAt = st.LastUpdated
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state checkpoint: %w", err)
	}
	return nil
}
