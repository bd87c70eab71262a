package session

import (
	"fmt"

	"geist/internal/manifest"
	"geist/internal/state"
)

// State is a state of the update state machine.
type State string

const (
	Idle        State = "Idle"
	Resolving   State = "Resolving"
	Fetching    State = "Fetching"
	Verifying   State = "Verifying"
	Staged      State = "Staged"
	Applying    State = "Applying"
	Restarting  State = "Restarting"
	Complete    State = "Complete"
	Failed      State = "Failed"
	RollingBack State = "RollingBack"
	RolledBack  State = "RolledBack"
)

var transitions = map[State][]State{
	Idle:        {Resolving},
	Resolving:   {Fetching, Complete, Failed},
	Fetching:    {Verifying, Failed},
	Verifying:   {Staged, Failed},
	Staged:      {Applying, Failed},
	Applying:    {Restarting, Failed},
	Restarting:  {Complete, Failed},
	Failed:      {RollingBack},
	RollingBack: {RolledBack, Failed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// fromPhase maps a persisted marker phase back onto the machine.
func fromPhase(p state.Phase) (State, error) {
	switch p {
	case state.PhaseStaged:
		return Staged, nil
	case state.PhaseApplying:
		return Applying, nil
	case state.PhaseRestarting:
		return Restarting, nil
	case state.PhaseRollingBack:
		return RollingBack, nil
	}
	return "", fmt.Errorf("unknown session phase %q", p)
}

func appendOnce(kinds []manifest.Kind, kind manifest.Kind) []manifest.Kind {
	for _, k := range kinds {
		if k == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}
