package keys

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"geist/internal/integrity"
	"geist/internal/manifest"
)

func writeConfig(t *testing.T, dir, publicKey, identity string) string {
	t.Helper()
	content := fmt.Sprintf(`
base_dir: %s
repository:
  type: local
  local:
    dir: %s
trust:
  public_keys: [%s]
  age_identity: %q
services:
  backend: systemd
components:
  - kind: application
    binary_path: /opt/roc/roc_camera
`, dir, dir, publicKey, identity)
	path := filepath.Join(dir, "geist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	var out bytes.Buffer
	require.NoError(t, Generate(context.Background(), dir, &out))

	_, err := integrity.LoadPrivateKeyPEM(filepath.Join(dir, PrivateKeyFile))
	require.NoError(t, err)
	_, err = integrity.LoadPublicKeyPEM(filepath.Join(dir, PublicKeyFile))
	require.NoError(t, err)
	_, err = integrity.LoadIdentity(filepath.Join(dir, IdentityFile))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, PrivateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Contains(t, out.String(), "Age recipient:  age1")

	err = Generate(context.Background(), dir, &bytes.Buffer{})
	assert.ErrorContains(t, err, "failed to write "+PrivateKeyFile, "existing keys are kept")
}

func TestSign(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(context.Background(), dir, &bytes.Buffer{}))
	pub, err := integrity.LoadPublicKeyPEM(filepath.Join(dir, PublicKeyFile))
	require.NoError(t, err)
	identity, err := integrity.LoadIdentity(filepath.Join(dir, IdentityFile))
	require.NoError(t, err)

	file := filepath.Join(dir, "mcu-a.bin")
	require.NoError(t, os.WriteFile(file, []byte("firmware image"), 0o644))

	sign := func(t *testing.T, opts SignOptions) manifest.ComponentSpec {
		t.Helper()
		var out bytes.Buffer
		require.NoError(t, Sign(context.Background(), opts, &out))
		var entries []manifest.ComponentSpec
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &entries))
		require.Len(t, entries, 1)
		return entries[0]
	}

	t.Run("plain", func(t *testing.T) {
		entry := sign(t, SignOptions{
			PrivateKey: filepath.Join(dir, PrivateKeyFile),
			File:       file,
			Kind:       manifest.CategoryFirmware,
			Target:     "mcu-a",
		})
		assert.Equal(t, "mcu-a.bin", entry.Artifact)
		assert.Equal(t, "mcu-a", entry.Target)
		assert.False(t, entry.Encrypted)

		v := integrity.NewVerifier(integrity.NewKeyring(pub), nil)
		_, err := v.Verify(&integrity.Artifact{Component: entry.Component(), Data: []byte("firmware image")}, entry)
		assert.NoError(t, err)
	})

	t.Run("encrypted", func(t *testing.T) {
		x25519, ok := identity.(*age.X25519Identity)
		require.True(t, ok)
		recipient := x25519.Recipient().String()
		entry := sign(t, SignOptions{
			PrivateKey: filepath.Join(dir, PrivateKeyFile),
			File:       file,
			Kind:       manifest.CategoryFirmware,
			Target:     "mcu-a",
			Recipient:  recipient,
		})
		assert.Equal(t, "mcu-a.bin.age", entry.Artifact)
		assert.True(t, entry.Encrypted)

		ciphertext, err := os.ReadFile(file + ".age")
		require.NoError(t, err)
		v := integrity.NewVerifier(integrity.NewKeyring(pub), identity)
		verified, err := v.Verify(&integrity.Artifact{Component: entry.Component(), Data: ciphertext}, entry)
		require.NoError(t, err)
		assert.Equal(t, "firmware image", string(verified.Payload()))
	})

	t.Run("firmware without target", func(t *testing.T) {
		err := Sign(context.Background(), SignOptions{
			PrivateKey: filepath.Join(dir, PrivateKeyFile),
			File:       file,
			Kind:       manifest.CategoryFirmware,
		}, &bytes.Buffer{})
		assert.ErrorIs(t, err, manifest.ErrMalformed)
	})

	t.Run("missing key", func(t *testing.T) {
		err := Sign(context.Background(), SignOptions{PrivateKey: filepath.Join(dir, "nope.pem"), File: file}, &bytes.Buffer{})
		assert.ErrorContains(t, err, "failed to load signing key")
	})
}

func TestTest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(context.Background(), dir, &bytes.Buffer{}))
	configPath := writeConfig(t, dir, filepath.Join(dir, PublicKeyFile), filepath.Join(dir, IdentityFile))

	t.Run("matching keys", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Test(context.Background(), configPath, filepath.Join(dir, PrivateKeyFile), &out))
		assert.Contains(t, out.String(), "Signature verification successful")
		assert.Contains(t, out.String(), "Content verification successful")
	})

	t.Run("foreign signing key", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "other")
		require.NoError(t, Generate(context.Background(), other, &bytes.Buffer{}))
		err := Test(context.Background(), configPath, filepath.Join(other, PrivateKeyFile), &bytes.Buffer{})
		assert.ErrorIs(t, err, integrity.ErrSignatureInvalid)
	})

	t.Run("no age identity", func(t *testing.T) {
		sub := t.TempDir()
		path := writeConfig(t, sub, filepath.Join(dir, PublicKeyFile), "")
		var out bytes.Buffer
		require.NoError(t, Test(context.Background(), path, filepath.Join(dir, PrivateKeyFile), &out))
		assert.Contains(t, out.String(), "skipping decryption test")
	})
}
