package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	AlgBLAKE3 = "blake3"
	AlgSHA256 = "sha256"
)

// ParseChecksum splits "alg:hex". A bare hex digest is taken as BLAKE3.
func ParseChecksum(declared string) (alg string, digest []byte, err error) {
	alg, hexDigest, found := strings.Cut(strings.TrimSpace(declared), ":")
	if !found {
		alg, hexDigest = AlgBLAKE3, alg
	}
	alg = strings.ToLower(alg)
	if _, err := newHash(alg); err != nil {
		return "", nil, err
	}
	digest, err = hex.DecodeString(hexDigest)
	if err != nil {
		return "", nil, fmt.Errorf("checksum %q is not hex: %w", declared, err)
	}
	if len(digest) != 32 {
		return "", nil, fmt.Errorf("checksum %q has %d bytes, want 32", declared, len(digest))
	}
	return alg, digest, nil
}

func newHash(alg string) (hash.Hash, error) {
	switch alg {
	case AlgBLAKE3:
		return blake3.New(), nil
	case AlgSHA256:
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", alg)
}

// Checksum returns the "blake3:<hex>" digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return AlgBLAKE3 + ":" + hex.EncodeToString(sum[:])
}

func matchChecksum(declared string, data []byte) (bool, error) {
	alg, want, err := ParseChecksum(declared)
	if err != nil {
		return false, err
	}
	h, _ := newHash(alg)
	h.Write(data)
	return subtle.ConstantTimeCompare(h.Sum(nil), want) == 1, nil
}
