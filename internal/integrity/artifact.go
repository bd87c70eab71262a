package integrity

import (
	"geist/internal/manifest"
)

// Artifact is a fetched blob that has not been trusted yet.
type Artifact struct {
	Component manifest.Kind
	Ref       string
	Data      []byte
}

// VerifiedArtifact can only be obtained from Verifier.Verify. Its payload is
// the decrypted content when the artifact was published encrypted.
type VerifiedArtifact struct {
	component manifest.Kind
	spec      manifest.ComponentSpec
	raw       []byte
	payload   []byte
}

func (v *VerifiedArtifact) Component() manifest.Kind {
	return v.component
}

// Spec returns the manifest entry the artifact was verified against.
func (v *VerifiedArtifact) Spec() manifest.ComponentSpec {
	return v.spec
}

func (v *VerifiedArtifact) Checksum() string {
	return v.spec.Checksum
}

// Payload is the content to flash or install.
func (v *VerifiedArtifact) Payload() []byte {
	return v.payload
}

// Raw is the fetched content as covered by checksum and signature.
func (v *VerifiedArtifact) Raw() []byte {
	return v.raw
}

func (v *VerifiedArtifact) Size() int {
	return len(v.payload)
}
