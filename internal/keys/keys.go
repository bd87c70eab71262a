package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"geist/internal/config"
	"geist/internal/integrity"
	"geist/internal/manifest"
)

const (
	PrivateKeyFile = "release.pem"
	PublicKeyFile  = "release.pub.pem"
	IdentityFile   = "device.agekey"
)

func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Generate writes an Ed25519 release key pair and an age device identity to
// dir. Existing files are never overwritten.
func Generate(_ context.Context, dir string, w io.Writer) error {
	fmt.Fprintln(w, "Generating release signing key and device age identity...")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	privPEM, err := integrity.EncodePrivateKeyPEM(priv)
	if err != nil {
		return fmt.Errorf("failed to encode signing key: %w", err)
	}
	pubPEM, err := integrity.EncodePublicKeyPEM(pub)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("failed to generate age identity: %w", err)
	}
	identityData := fmt.Sprintf("# created: %s\n# recipient: %s\n%s\n",
		time.Now().Format(time.RFC3339), identity.Recipient(), identity)

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{PrivateKeyFile, privPEM, 0o600},
		{PublicKeyFile, pubPEM, 0o644},
		{IdentityFile, []byte(identityData), 0o600},
	}
	for _, f := range files {
		if err := writeNew(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}

	fmt.Fprintln(w, "\n=== Keys Generated ===")
	fmt.Fprintf(w, "Signing key:    %s\n", filepath.Join(dir, PrivateKeyFile))
	fmt.Fprintf(w, "Public key:     %s\n", filepath.Join(dir, PublicKeyFile))
	fmt.Fprintf(w, "Device identity: %s\n", filepath.Join(dir, IdentityFile))
	fmt.Fprintf(w, "Age recipient:  %s\n", identity.Recipient())
	fmt.Fprintln(w, "\n!! Keep the signing key off the device !!")

	return nil
}

type SignOptions struct {
	PrivateKey string
	File       string
	Kind       manifest.Category
	Target     string
	// Artifact is the reference written to the manifest; the file's base
	// name when empty.
	Artifact string
	// Recipient, when set, encrypts the file to this age recipient first.
	// The ciphertext is written next to the file with an .age suffix.
	Recipient string
}

// Sign prints the manifest component entry for a release artifact.
func Sign(_ context.Context, opts SignOptions, w io.Writer) error {
	priv, err := integrity.LoadPrivateKeyPEM(opts.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	data, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	artifact := opts.Artifact
	if artifact == "" {
		artifact = filepath.Base(opts.File)
	}

	if opts.Recipient != "" {
		recipient, err := age.ParseX25519Recipient(opts.Recipient)
		if err != nil {
			return fmt.Errorf("failed to parse age recipient: %w", err)
		}
		data, err = integrity.Encrypt(data, recipient)
		if err != nil {
			return fmt.Errorf("encryption failed: %w", err)
		}
		if err := os.WriteFile(opts.File+".age", data, 0o644); err != nil {
			return fmt.Errorf("failed to write encrypted artifact: %w", err)
		}
		if opts.Artifact == "" {
			artifact += ".age"
		}
	}

	entry := manifest.ComponentSpec{
		Kind:      opts.Kind,
		Target:    opts.Target,
		Artifact:  artifact,
		Checksum:  integrity.Checksum(data),
		Signature: integrity.Sign(priv, data),
		Encrypted: opts.Recipient != "",
		Size:      int64(len(data)),
	}
	m := manifest.Manifest{Version: "0", Components: []manifest.ComponentSpec{entry}}
	if err := m.Validate(); err != nil {
		return err
	}

	out, err := yaml.Marshal([]manifest.ComponentSpec{entry})
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// Test checks that privateKeyPath signs for a key trusted by the config and,
// when the config names an age identity, that it decrypts what is encrypted
// to it.
func Test(_ context.Context, configPath, privateKeyPath string, w io.Writer) error {
	fmt.Fprintln(w, "Testing release key pair compatibility...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	keyring, err := integrity.LoadKeyring(cfg.Trust.PublicKeys)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Trusted public keys from config: %d\n", keyring.Len())

	priv, err := integrity.LoadPrivateKeyPEM(privateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	fmt.Fprintf(w, "Signing key loaded from: %s\n", privateKeyPath)

	testContent := []byte("Geist - Key Pair Test - " + time.Now().Format(time.RFC3339))
	spec := manifest.ComponentSpec{
		Kind:      manifest.CategoryApplication,
		Artifact:  "key-test",
		Checksum:  integrity.Checksum(testContent),
		Signature: integrity.Sign(priv, testContent),
	}

	fmt.Fprintln(w, "\nVerifying test signature with trusted keys...")

	verifier := integrity.NewVerifier(keyring, nil)
	artifact := &integrity.Artifact{Component: manifest.Application, Ref: spec.Artifact, Data: testContent}
	if _, err := verifier.Verify(artifact, spec); err != nil {
		return fmt.Errorf("signature check failed: %w\nThis means the signing key does not match any public key in config", err)
	}

	fmt.Fprintln(w, "Signature verification successful")

	if cfg.Trust.AgeIdentity == "" {
		fmt.Fprintln(w, "No age identity configured, skipping decryption test")
		return nil
	}

	identity, err := integrity.LoadIdentity(cfg.Trust.AgeIdentity)
	if err != nil {
		return err
	}
	recipient, ok := identity.(*age.X25519Identity)
	if !ok {
		return fmt.Errorf("age identity %s is not an X25519 identity", cfg.Trust.AgeIdentity)
	}

	fmt.Fprintln(w, "Encrypting test data to the device recipient...")

	ciphertext, err := integrity.Encrypt(testContent, recipient.Recipient())
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	fmt.Fprintln(w, "Decrypting test data with the device identity...")

	spec.Checksum = integrity.Checksum(ciphertext)
	spec.Signature = integrity.Sign(priv, ciphertext)
	spec.Encrypted = true
	artifact.Data = ciphertext

	verified, err := integrity.NewVerifier(keyring, identity).Verify(artifact, spec)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}

	if string(verified.Payload()) != string(testContent) {
		return fmt.Errorf("content mismatch: decrypted content does not match original")
	}

	fmt.Fprintln(w, "Content verification successful")

	return nil
}
