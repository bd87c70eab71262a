package manifest

import (
	"regexp"
	"strings"
)

// Category groups component kinds by how they are applied.
type Category string

const (
	CategorySupervisor  Category = "supervisor"
	CategoryApplication Category = "application"
	CategoryFirmware    Category = "firmware"
)

// Kind names a single component of the device stack: "supervisor",
// "application", or "firmware:<target>".
type Kind string

const (
	Supervisor  Kind = "supervisor"
	Application Kind = "application"
)

const firmwarePrefix = "firmware:"

var (
	checksumPattern = regexp.MustCompile(`^(?i:(blake3|sha256):)?[0-9a-fA-F]{64}$`)
	targetPattern   = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// ValidChecksum reports whether declared is a 32-byte hex digest, optionally
// prefixed with "blake3:" or "sha256:".
func ValidChecksum(declared string) bool {
	return checksumPattern.MatchString(declared)
}

// ValidTarget reports whether target is usable as a firmware target name.
// Target names end up in file paths.
func ValidTarget(target string) bool {
	return targetPattern.MatchString(target) && target != "." && target != ".."
}

func Firmware(target string) Kind {
	return Kind(firmwarePrefix + target)
}

func (k Kind) Category() Category {
	switch {
	case k == Supervisor:
		return CategorySupervisor
	case k == Application:
		return CategoryApplication
	case strings.HasPrefix(string(k), firmwarePrefix):
		return CategoryFirmware
	}
	return ""
}

// Target returns the firmware target name, or "" for process components.
func (k Kind) Target() string {
	if k.Category() != CategoryFirmware {
		return ""
	}
	return strings.TrimPrefix(string(k), firmwarePrefix)
}

// Valid reports whether k is a known kind with a well-formed target.
func (k Kind) Valid() bool {
	switch k.Category() {
	case CategorySupervisor, CategoryApplication:
		return true
	case CategoryFirmware:
		return ValidTarget(k.Target())
	}
	return false
}

func (k Kind) IsFirmware() bool {
	return k.Category() == CategoryFirmware
}

func (k Kind) String() string {
	return string(k)
}

// ComponentSpec is one entry of a release manifest.
type ComponentSpec struct {
	Kind      Category `yaml:"kind" json:"kind"`
	Target    string   `yaml:"target,omitempty" json:"target,omitempty"`
	Artifact  string   `yaml:"artifact" json:"artifact"`
	Checksum  string   `yaml:"checksum" json:"checksum"`
	Signature string   `yaml:"signature" json:"signature"`
	Encrypted bool     `yaml:"encrypted,omitempty" json:"encrypted,omitempty"`
	Size      int64    `yaml:"size,omitempty" json:"size,omitempty"`
}

// Component returns the fully qualified component kind of the entry.
func (c ComponentSpec) Component() Kind {
	if c.Kind == CategoryFirmware {
		return Firmware(c.Target)
	}
	return Kind(c.Kind)
}

// Manifest identifies a target version. Components keep declaration order,
// which decides the flash order among firmware targets.
type Manifest struct {
	Version    string          `yaml:"version" json:"version"`
	Released   int64           `yaml:"released,omitempty" json:"released,omitempty"`
	Notes      string          `yaml:"notes,omitempty" json:"notes,omitempty"`
	Components []ComponentSpec `yaml:"components" json:"components"`
}

// Lookup returns the entry for the given component kind.
func (m *Manifest) Lookup(kind Kind) (ComponentSpec, bool) {
	for _, c := range m.Components {
		if c.Component() == kind {
			return c, true
		}
	}
	return ComponentSpec{}, false
}

// ArtifactID is the identity of an applied artifact. Two identities are the
// same artifact iff their checksums match.
type ArtifactID struct {
	Version   string `yaml:"version" json:"version"`
	Artifact  string `yaml:"artifact" json:"artifact"`
	Checksum  string `yaml:"checksum" json:"checksum"`
	Signature string `yaml:"signature,omitempty" json:"signature,omitempty"`
	Encrypted bool   `yaml:"encrypted,omitempty" json:"encrypted,omitempty"`
}

func (a ArtifactID) IsZero() bool {
	return a.Checksum == ""
}

func (a ArtifactID) Same(b ArtifactID) bool {
	return a.Checksum != "" && strings.EqualFold(a.Checksum, b.Checksum)
}

// ID returns the identity the entry will have once applied at version.
func (c ComponentSpec) ID(version string) ArtifactID {
	return ArtifactID{
		Version:   version,
		Artifact:  c.Artifact,
		Checksum:  c.Checksum,
		Signature: c.Signature,
		Encrypted: c.Encrypted,
	}
}

// Spec rebuilds the manifest entry an identity was applied from.
func (a ArtifactID) Spec(kind Kind) ComponentSpec {
	return ComponentSpec{
		Kind:      kind.Category(),
		Target:    kind.Target(),
		Artifact:  a.Artifact,
		Checksum:  a.Checksum,
		Signature: a.Signature,
		Encrypted: a.Encrypted,
	}
}
