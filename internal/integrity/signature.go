package integrity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Keyring holds the release keys trusted to sign artifacts. An artifact is
// authentic if any key in the ring verifies its signature.
type Keyring struct {
	keys []ed25519.PublicKey
}

func NewKeyring(keys ...ed25519.PublicKey) *Keyring {
	return &Keyring{keys: keys}
}

// LoadKeyring reads Ed25519 public keys in PKIX PEM form.
func LoadKeyring(paths []string) (*Keyring, error) {
	ring := &Keyring{}
	for _, path := range paths {
		pub, err := LoadPublicKeyPEM(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load public key %s: %w", path, err)
		}
		ring.keys = append(ring.keys, pub)
	}
	if len(ring.keys) == 0 {
		return nil, errors.New("no public keys configured")
	}
	return ring, nil
}

func (k *Keyring) Len() int {
	return len(k.keys)
}

func (k *Keyring) verify(message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	for _, pub := range k.keys {
		if ed25519.Verify(pub, message, signature) {
			return true
		}
	}
	return false
}

// DecodeSignature accepts standard or URL-safe base64.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func LoadPublicKeyPEM(path string) (ed25519.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyPEM(b)
}

func ParsePublicKeyPEM(b []byte) (ed25519.PublicKey, error) {
	for {
		blk, rest := pem.Decode(b)
		if blk == nil {
			break
		}
		if blk.Type == "PUBLIC KEY" {
			pk, err := x509.ParsePKIXPublicKey(blk.Bytes)
			if err != nil {
				return nil, err
			}
			if p, ok := pk.(ed25519.PublicKey); ok {
				return p, nil
			}
			return nil, errors.New("not an Ed25519 public key")
		}
		b = rest
	}
	return nil, errors.New("no Ed25519 public key found in PEM")
}

func LoadPrivateKeyPEM(path string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		blk, rest := pem.Decode(b)
		if blk == nil {
			break
		}
		if blk.Type == "PRIVATE KEY" {
			k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
			if err != nil {
				return nil, err
			}
			if p, ok := k.(ed25519.PrivateKey); ok {
				return p, nil
			}
			return nil, errors.New("not an Ed25519 private key")
		}
		b = rest
	}
	return nil, errors.New("no Ed25519 private key found in PEM")
}

func EncodePublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func EncodePrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Sign produces the manifest signature string for an artifact.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return EncodeSignature(ed25519.Sign(priv, data))
}
