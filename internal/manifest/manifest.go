package manifest

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrMalformed = errors.New("manifest malformed")

// NormalizeVersion strips a leading "v" so that v1.2.0 and 1.2.0 name the
// same release.
func NormalizeVersion(version string) string {
	return strings.TrimPrefix(strings.TrimSpace(version), "v")
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m.Version = NormalizeVersion(m.Version)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every component names its artifact, checksum and
// signature, and that no component kind is declared twice.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrMalformed)
	}
	if len(m.Components) == 0 {
		return fmt.Errorf("%w: at least one component is required", ErrMalformed)
	}
	seen := make(map[Kind]bool, len(m.Components))
	for i, c := range m.Components {
		switch c.Kind {
		case CategorySupervisor, CategoryApplication:
			if c.Target != "" {
				return fmt.Errorf("%w: components[%d].target is only valid for firmware", ErrMalformed, i)
			}
		case CategoryFirmware:
			if c.Target == "" {
				return fmt.Errorf("%w: components[%d].target is required for firmware", ErrMalformed, i)
			}
			if !ValidTarget(c.Target) {
				return fmt.Errorf("%w: components[%d].target %q may only contain letters, digits, '.', '_' and '-'", ErrMalformed, i, c.Target)
			}
		case "":
			return fmt.Errorf("%w: components[%d].kind is required", ErrMalformed, i)
		default:
			return fmt.Errorf("%w: components[%d].kind %q is unknown", ErrMalformed, i, c.Kind)
		}
		if c.Artifact == "" {
			return fmt.Errorf("%w: components[%d].artifact is required", ErrMalformed, i)
		}
		if c.Checksum == "" {
			return fmt.Errorf("%w: components[%d].checksum is required", ErrMalformed, i)
		}
		if !ValidChecksum(c.Checksum) {
			return fmt.Errorf("%w: components[%d].checksum %q is not a blake3 or sha256 hex digest", ErrMalformed, i, c.Checksum)
		}
		if c.Signature == "" {
			return fmt.Errorf("%w: components[%d].signature is required", ErrMalformed, i)
		}
		kind := c.Component()
		if seen[kind] {
			return fmt.Errorf("%w: component %s declared more than once", ErrMalformed, kind)
		}
		seen[kind] = true
	}
	return nil
}
