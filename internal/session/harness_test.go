package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"geist/internal/cache"
	"geist/internal/integrity"
	"geist/internal/manifest"
	"geist/internal/repository"
	"geist/internal/resolve"
	"geist/internal/service"
	"geist/internal/state"
)

var (
	fwA = manifest.Firmware("mcu-a")
	fwB = manifest.Firmware("mcu-b")
	app = manifest.Application
	sup = manifest.Supervisor
)

// recorder is the call log shared by every fake.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// device returns the calls that reached the device, leaving out fetches.
func (r *recorder) device() []string {
	var out []string
	for _, c := range r.all() {
		if !strings.HasPrefix(c, "fetch ") {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) fetches() []string {
	var out []string
	for _, c := range r.all() {
		if strings.HasPrefix(c, "fetch ") {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// faults makes calls fail. A count of -1 fails forever.
type faults struct {
	mu     sync.Mutex
	remain map[string]int
}

func (f *faults) set(call string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remain == nil {
		f.remain = make(map[string]int)
	}
	f.remain[call] = times
}

func (f *faults) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remain = nil
}

func (f *faults) hit(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.remain[call]
	if !ok || n == 0 {
		return false
	}
	if n > 0 {
		f.remain[call] = n - 1
	}
	return true
}

type fakeStore struct {
	rec       *recorder
	faults    *faults
	mu        sync.Mutex
	latest    string
	manifests map[string][]byte
	blobs     map[string][]byte
	tampered  map[string]bool
}

func (f *fakeStore) Latest(context.Context) (string, error) {
	if f.latest == "" {
		return "", repository.ErrVersionNotFound
	}
	return f.latest, nil
}

func (f *fakeStore) Manifest(_ context.Context, version string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manifests[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrVersionNotFound, version)
	}
	return m, nil
}

func (f *fakeStore) Fetch(ctx context.Context, version, ref string) ([]byte, error) {
	f.rec.add("fetch " + version + " " + ref)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.faults.hit("fetch " + ref) {
		return nil, fmt.Errorf("%w: %s: connection reset", repository.ErrFetchFailed, ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[version+"/"+ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", repository.ErrFetchFailed, ref)
	}
	data = append([]byte(nil), data...)
	if f.tampered[ref] {
		data[0] ^= 0x01
	}
	return data, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeController struct {
	rec      *recorder
	faults   *faults
	onCall   func(call string)
	writeErr error
}

func (f *fakeController) do(ctx context.Context, call, detail string, kind error) error {
	if detail != "" {
		f.rec.add(call + " " + detail)
	} else {
		f.rec.add(call)
	}
	if f.onCall != nil {
		f.onCall(call)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", kind, err)
	}
	if f.faults.hit(call) {
		return fmt.Errorf("%w: injected fault on %s", kind, call)
	}
	return nil
}

func (f *fakeController) Flash(ctx context.Context, target string, a *integrity.VerifiedArtifact) error {
	return f.do(ctx, "flash "+target, string(a.Payload()), service.ErrFlashFailed)
}

func (f *fakeController) Install(ctx context.Context, kind manifest.Kind, a *integrity.VerifiedArtifact) error {
	return f.do(ctx, "install "+kind.String(), string(a.Payload()), service.ErrInstallFailed)
}

func (f *fakeController) Restore(ctx context.Context, kind manifest.Kind) error {
	return f.do(ctx, "restore "+kind.String(), "", service.ErrInstallFailed)
}

func (f *fakeController) Restart(ctx context.Context, kind manifest.Kind) error {
	return f.do(ctx, "restart "+kind.String(), "", service.ErrRestartFailed)
}

func (f *fakeController) CheckWritable([]manifest.Kind) error {
	return f.writeErr
}

type fakeSelf struct {
	rec    *recorder
	faults *faults
}

func (f *fakeSelf) call(call string, kind error) error {
	f.rec.add(call)
	if f.faults.hit(call) {
		return fmt.Errorf("%w: injected fault on %s", kind, call)
	}
	return nil
}

func (f *fakeSelf) CheckPermissions() error { return nil }

func (f *fakeSelf) Stage(a *integrity.VerifiedArtifact) error {
	return f.call("stage supervisor "+string(a.Payload()), service.ErrInstallFailed)
}

func (f *fakeSelf) Commit() error {
	return f.call("commit supervisor", service.ErrInstallFailed)
}

func (f *fakeSelf) Restore() error {
	return f.call("restore supervisor", service.ErrInstallFailed)
}

// Exec returns nil, which the session treats as running on in the new image.
func (f *fakeSelf) Exec(context.Context) error {
	return f.call("exec supervisor", service.ErrRestartFailed)
}

type harness struct {
	t        *testing.T
	priv     ed25519.PrivateKey
	rec      *recorder
	faults   *faults
	store    *fakeStore
	ctrl     *fakeController
	self     *fakeSelf
	states   *state.Store
	cache    *cache.Cache
	verifier *integrity.Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	rec := &recorder{}
	f := &faults{}
	return &harness{
		t:      t,
		priv:   priv,
		rec:    rec,
		faults: f,
		store: &fakeStore{
			rec:       rec,
			faults:    f,
			manifests: make(map[string][]byte),
			blobs:     make(map[string][]byte),
			tampered:  make(map[string]bool),
		},
		ctrl:     &fakeController{rec: rec, faults: f},
		self:     &fakeSelf{rec: rec, faults: f},
		states:   state.NewStore(filepath.Join(dir, "run", "state.yaml")),
		cache:    cache.New(filepath.Join(dir, "artifacts")),
		verifier: integrity.NewVerifier(integrity.NewKeyring(pub), nil),
	}
}

func (h *harness) session() *Session {
	return New(Deps{
		Resolver:   resolve.New(h.store),
		Store:      h.store,
		Cache:      h.cache,
		Verifier:   h.verifier,
		Controller: h.ctrl,
		Self:       h.self,
		States:     h.states,
	}, Options{Parallelism: 2, RollbackAttempts: 2, RollbackTimeout: 5 * time.Second})
}

type blob struct {
	kind manifest.Kind
	data string
}

func refFor(kind manifest.Kind) string {
	return strings.ReplaceAll(kind.String(), ":", "-") + ".bin"
}

// publish puts a signed release into the repository.
func (h *harness) publish(version string, blobs ...blob) *manifest.Manifest {
	h.t.Helper()
	m := &manifest.Manifest{Version: version}
	for _, b := range blobs {
		data := []byte(b.data)
		ref := refFor(b.kind)
		h.store.blobs[version+"/"+ref] = data
		m.Components = append(m.Components, manifest.ComponentSpec{
			Kind:      b.kind.Category(),
			Target:    b.kind.Target(),
			Artifact:  ref,
			Checksum:  integrity.Checksum(data),
			Signature: integrity.Sign(h.priv, data),
		})
	}
	raw, err := yaml.Marshal(m)
	require.NoError(h.t, err)
	h.store.manifests[version] = raw
	h.store.latest = version
	return m
}

// installed records m as what a completed earlier session left on the
// device, artifact cache included.
func (h *harness) installed(m *manifest.Manifest) {
	h.t.Helper()
	st, err := h.states.Load()
	require.NoError(h.t, err)
	for _, c := range m.Components {
		id := c.ID(m.Version)
		cs := st.Component(c.Component())
		cs.Current = id
		cs.LastKnownGood = id

		data := h.store.blobs[m.Version+"/"+c.Artifact]
		va, err := h.verifier.Verify(&integrity.Artifact{Component: c.Component(), Ref: c.Artifact, Data: data}, c)
		require.NoError(h.t, err)
		require.NoError(h.t, h.cache.Put(va))
	}
	st.Sequence++
	st.Version = m.Version
	st.LastKnownGoodVersion = m.Version
	require.NoError(h.t, h.states.Checkpoint(st))
}

func (h *harness) load() *state.State {
	h.t.Helper()
	st, err := h.states.Load()
	require.NoError(h.t, err)
	return st
}

func (h *harness) id(m *manifest.Manifest, kind manifest.Kind) manifest.ArtifactID {
	h.t.Helper()
	c, ok := m.Lookup(kind)
	require.True(h.t, ok, "manifest %s has no %s", m.Version, kind)
	return c.ID(m.Version)
}

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func mustYAML(t *testing.T, m *manifest.Manifest) []byte {
	t.Helper()
	raw, err := yaml.Marshal(m)
	require.NoError(t, err)
	return raw
}

func update(version string) Request {
	return Request{Command: "update", Selector: resolve.Selector(version)}
}
