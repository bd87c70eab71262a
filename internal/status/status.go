package status

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"geist/internal/config"
	"geist/internal/manifest"
	"geist/internal/state"
	"geist/internal/util"
)

type Info struct {
	Component     manifest.Kind `json:"component"`
	Version       string        `json:"version,omitempty"`
	Checksum      string        `json:"checksum,omitempty"`
	LastKnownGood string        `json:"last_known_good,omitempty"`
	LKGChecksum   string        `json:"last_known_good_checksum,omitempty"`
	Drifted       bool          `json:"drifted"`
}

type Pending struct {
	ID            string          `json:"id"`
	Sequence      uint64          `json:"sequence"`
	Command       string          `json:"command"`
	TargetVersion string          `json:"target_version"`
	Phase         state.Phase     `json:"phase"`
	StartedAt     string          `json:"started_at"`
	Touched       []manifest.Kind `json:"touched"`
	Restarted     []manifest.Kind `json:"restarted"`
	Attempts      int             `json:"rollback_attempts"`
}

type Output struct {
	StatePath            string   `json:"state_path"`
	Sequence             uint64   `json:"sequence"`
	Version              string   `json:"version,omitempty"`
	LastKnownGoodVersion string   `json:"last_known_good_version,omitempty"`
	LastUpdated          string   `json:"last_updated,omitempty"`
	ManualIntervention   bool     `json:"manual_intervention"`
	ManualReason         string   `json:"manual_reason,omitempty"`
	Components           []Info   `json:"components"`
	Session              *Pending `json:"session,omitempty"`
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

// Report flattens st into the printed form. Components are sorted by name.
func Report(path string, st *state.State) Output {
	output := Output{
		StatePath:            path,
		Sequence:             st.Sequence,
		Version:              st.Version,
		LastKnownGoodVersion: st.LastKnownGoodVersion,
		LastUpdated:          formatUnix(st.LastUpdated),
		ManualIntervention:   st.ManualIntervention,
		ManualReason:         st.ManualReason,
		Components:           []Info{},
	}

	for kind, cs := range st.Components {
		if cs == nil || (cs.Current.IsZero() && cs.LastKnownGood.IsZero()) {
			continue
		}
		output.Components = append(output.Components, Info{
			Component:     kind,
			Version:       cs.Current.Version,
			Checksum:      cs.Current.Checksum,
			LastKnownGood: cs.LastKnownGood.Version,
			LKGChecksum:   cs.LastKnownGood.Checksum,
			Drifted:       !cs.LastKnownGood.IsZero() && !cs.Current.Same(cs.LastKnownGood),
		})
	}
	slices.SortFunc(output.Components, func(a, b Info) int {
		switch {
		case a.Component < b.Component:
			return -1
		case a.Component > b.Component:
			return 1
		}
		return 0
	})

	if m := st.Session; m != nil {
		output.Session = &Pending{
			ID:            m.ID,
			Sequence:      m.Sequence,
			Command:       m.Command,
			TargetVersion: m.TargetVersion,
			Phase:         m.Phase,
			StartedAt:     formatUnix(m.StartedAt),
			Touched:       append([]manifest.Kind{}, m.Touched...),
			Restarted:     append([]manifest.Kind{}, m.Restarted...),
			Attempts:      m.Attempts,
		}
	}

	return output
}

func Write(w io.Writer, path string, st *state.State) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(Report(path, st)); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// Run prints the persisted device state. It takes no lock and never writes.
func Run(configPath string, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := util.StatePath(cfg.BaseDir)
	st, err := state.NewStore(path).Load()
	if err != nil {
		return err
	}
	return Write(w, path, st)
}
