package check

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geist/internal/integrity"
	"geist/internal/manifest"
	"geist/internal/state"
	"geist/internal/util"
)

type env struct {
	dir       string
	releases  string
	publicKey string
	binDir    string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		dir:       dir,
		releases:  filepath.Join(dir, "releases"),
		publicKey: filepath.Join(dir, "release.pub.pem"),
		binDir:    filepath.Join(dir, "bin"),
	}
	require.NoError(t, os.MkdirAll(e.releases, 0o755))
	require.NoError(t, os.MkdirAll(e.binDir, 0o755))

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemData, err := integrity.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.publicKey, pemData, 0o644))
	return e
}

func (e env) writeConfig(t *testing.T, publicKey string) string {
	t.Helper()
	content := fmt.Sprintf(`
base_dir: %s
repository:
  type: local
  local:
    dir: %s
trust:
  public_keys: [%s]
services:
  backend: command
components:
  - kind: supervisor
    binary_path: %s
  - kind: application
    binary_path: %s
    process_name: geist-chk-app
    start_command: ["true"]
`, e.dir, e.releases, publicKey, filepath.Join(e.binDir, "geist"), filepath.Join(e.binDir, "roc_camera"))
	path := filepath.Join(e.dir, "geist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("all checks pass", func(t *testing.T) {
		e := newEnv(t)
		var out bytes.Buffer
		require.NoError(t, Run(ctx, e.writeConfig(t, e.publicKey), &out))
		assert.Contains(t, out.String(), "config: OK")
		assert.Contains(t, out.String(), "trust: 1 public key(s): OK")
		assert.Contains(t, out.String(), "repository local: OK")
		assert.Contains(t, out.String(), "binary directories: OK")
		assert.Contains(t, out.String(), "component application service roc_camera: inactive")
		assert.Contains(t, out.String(), "all checks passed")
	})

	t.Run("reports interrupted session", func(t *testing.T) {
		e := newEnv(t)
		st := state.New()
		st.Sequence = 3
		st.ManualIntervention = true
		st.ManualReason = "rollback failed"
		st.Session = &state.Session{ID: "abc", Sequence: 4, Phase: state.PhaseApplying, Staged: []state.Target{{Kind: manifest.Application}}}
		require.NoError(t, state.NewStore(util.StatePath(e.dir)).Checkpoint(st))

		var out bytes.Buffer
		require.NoError(t, Run(ctx, e.writeConfig(t, e.publicKey), &out))
		assert.Contains(t, out.String(), "session abc interrupted in phase applying")
		assert.Contains(t, out.String(), "manual intervention required: rollback failed")
	})

	t.Run("missing public key", func(t *testing.T) {
		e := newEnv(t)
		err := Run(ctx, e.writeConfig(t, filepath.Join(e.dir, "absent.pem")), &bytes.Buffer{})
		assert.ErrorContains(t, err, "trust:")
	})

	t.Run("repository unreachable", func(t *testing.T) {
		e := newEnv(t)
		path := e.writeConfig(t, e.publicKey)
		require.NoError(t, os.RemoveAll(e.releases))
		err := Run(ctx, path, &bytes.Buffer{})
		assert.ErrorContains(t, err, "repository local")
	})

	t.Run("unwritable binary directory", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root can write anywhere")
		}
		e := newEnv(t)
		path := e.writeConfig(t, e.publicKey)
		require.NoError(t, os.Chmod(e.binDir, 0o555))
		t.Cleanup(func() { _ = os.Chmod(e.binDir, 0o755) })
		err := Run(ctx, path, &bytes.Buffer{})
		assert.ErrorContains(t, err, "binary directories")
	})

	t.Run("invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "geist.yaml")
		require.NoError(t, os.WriteFile(path, []byte("repository: {type: ftp}\n"), 0o644))
		err := Run(ctx, path, &bytes.Buffer{})
		assert.ErrorContains(t, err, "config:")
	})
}
