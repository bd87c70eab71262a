package integrity

import (
	"errors"
	"fmt"
	"log/slog"

	"filippo.io/age"

	"geist/internal/manifest"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrDecryptFailed    = errors.New("artifact decryption failed")
)

// Verifier turns fetched artifacts into VerifiedArtifacts. The checksum is
// checked first, then the signature over the same bytes, then encrypted
// payloads are decrypted.
type Verifier struct {
	keys     *Keyring
	identity age.Identity
}

// NewVerifier creates a verifier. identity may be nil when no encrypted
// artifacts are expected.
func NewVerifier(keys *Keyring, identity age.Identity) *Verifier {
	return &Verifier{keys: keys, identity: identity}
}

func (v *Verifier) Verify(a *Artifact, spec manifest.ComponentSpec) (*VerifiedArtifact, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: no artifact", ErrChecksumMismatch)
	}

	ok, err := matchChecksum(spec.Checksum, a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChecksumMismatch, a.Component, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, a.Component, spec.Checksum, Checksum(a.Data))
	}
	slog.Debug("Checksum verified", "component", a.Component, "checksum", spec.Checksum)

	sig, err := DecodeSignature(spec.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: signature is not base64: %v", ErrSignatureInvalid, a.Component, err)
	}
	if v.keys == nil || !v.keys.verify(a.Data, sig) {
		return nil, fmt.Errorf("%w: %s: no trusted key accepts the signature", ErrSignatureInvalid, a.Component)
	}
	slog.Debug("Signature verified", "component", a.Component)

	payload := a.Data
	if spec.Encrypted {
		if v.identity == nil {
			return nil, fmt.Errorf("%w: %s: artifact is encrypted and no age identity is configured", ErrDecryptFailed, a.Component)
		}
		payload, err = Decrypt(a.Data, v.identity)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecryptFailed, a.Component, err)
		}
	}

	return &VerifiedArtifact{
		component: a.Component,
		spec:      spec,
		raw:       a.Data,
		payload:   payload,
	}, nil
}
