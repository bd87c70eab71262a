package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"geist/internal/manifest"
	"geist/internal/repository"
	"geist/internal/state"
)

const Latest = "latest"

// Selector names a release: a concrete version or "latest".
type Selector string

func (s Selector) IsLatest() bool {
	v := strings.TrimSpace(string(s))
	return v == "" || strings.EqualFold(v, Latest)
}

type Resolver struct {
	store repository.Store
}

func New(store repository.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the validated manifest for the selected release. It fails
// with repository.ErrVersionNotFound or manifest.ErrMalformed.
func (r *Resolver) Resolve(ctx context.Context, sel Selector) (*manifest.Manifest, error) {
	version := manifest.NormalizeVersion(string(sel))
	if sel.IsLatest() {
		latest, err := r.store.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest version: %w", err)
		}
		version = manifest.NormalizeVersion(latest)
		if version == "" {
			return nil, fmt.Errorf("%w: repository latest pointer is empty", repository.ErrVersionNotFound)
		}
		slog.Info("Resolved latest version", "version", version)
	}

	data, err := r.store.Manifest(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for %s: %w", version, err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", version, err)
	}
	if m.Version != version {
		return nil, fmt.Errorf("%w: manifest at %s declares version %s", manifest.ErrMalformed, version, m.Version)
	}
	return m, nil
}

// Diff returns the manifest entries whose artifact differs from what the
// device currently runs, in declaration order. Components already at target
// are left out entirely.
func Diff(m *manifest.Manifest, current *state.State) []manifest.ComponentSpec {
	var out []manifest.ComponentSpec
	for _, c := range m.Components {
		if current.CurrentID(c.Component()).Same(c.ID(m.Version)) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Filter keeps only the entries for the given kinds.
func Filter(specs []manifest.ComponentSpec, keep func(manifest.Kind) bool) []manifest.ComponentSpec {
	var out []manifest.ComponentSpec
	for _, c := range specs {
		if keep(c.Component()) {
			out = append(out, c)
		}
	}
	return out
}

// ApplyOrder sorts entries into the fixed apply order: firmware in
// declaration order, then the application, then the supervisor. The
// supervisor swap is always the last apply action.
func ApplyOrder(specs []manifest.ComponentSpec) []manifest.ComponentSpec {
	var firmware, app, sup []manifest.ComponentSpec
	for _, c := range specs {
		switch c.Component().Category() {
		case manifest.CategoryFirmware:
			firmware = append(firmware, c)
		case manifest.CategoryApplication:
			app = append(app, c)
		case manifest.CategorySupervisor:
			sup = append(sup, c)
		}
	}
	out := make([]manifest.ComponentSpec, 0, len(specs))
	out = append(out, firmware...)
	out = append(out, app...)
	return append(out, sup...)
}

// RestartOrder sorts kinds into the fixed restart order: firmware-dependent
// services, then the supervisor, then the application.
func RestartOrder(kinds []manifest.Kind) []manifest.Kind {
	var firmware, app, sup []manifest.Kind
	for _, k := range kinds {
		switch k.Category() {
		case manifest.CategoryFirmware:
			firmware = append(firmware, k)
		case manifest.CategoryApplication:
			app = append(app, k)
		case manifest.CategorySupervisor:
			sup = append(sup, k)
		}
	}
	out := make([]manifest.Kind, 0, len(kinds))
	out = append(out, firmware...)
	out = append(out, sup...)
	return append(out, app...)
}
