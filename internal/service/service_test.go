package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geist/internal/config"
	"geist/internal/integrity"
	"geist/internal/manifest"
)

func verified(t *testing.T, kind manifest.Kind, data []byte) *integrity.VerifiedArtifact {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	spec := manifest.ComponentSpec{
		Kind:      kind.Category(),
		Target:    kind.Target(),
		Artifact:  "blob",
		Checksum:  integrity.Checksum(data),
		Signature: integrity.Sign(priv, data),
	}
	v, err := integrity.NewVerifier(integrity.NewKeyring(pub), nil).
		Verify(&integrity.Artifact{Component: kind, Ref: "blob", Data: data}, spec)
	require.NoError(t, err)
	return v
}

type fakeManager struct {
	mu       sync.Mutex
	calls    []string
	active   map[string]bool
	startErr error
	noReady  bool
}

func (f *fakeManager) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start "+name)
	if f.startErr != nil {
		return f.startErr
	}
	if !f.noReady {
		f.active[name] = true
	}
	return nil
}

func (f *fakeManager) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop "+name)
	f.active[name] = false
	return nil
}

func (f *fakeManager) Active(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[name], nil
}

func testConfig(dir string) *config.Config {
	cfg := &config.Config{
		BaseDir: dir,
		Components: []config.Component{
			{Kind: manifest.CategorySupervisor, BinaryPath: filepath.Join(dir, "bin", "geist")},
			{Kind: manifest.CategoryApplication, BinaryPath: filepath.Join(dir, "bin", "roc_camera"), Service: "roc-camera.service"},
			{
				Kind:              manifest.CategoryFirmware,
				Target:            "mcu-a",
				FlashCommand:      []string{"cp", "{image}", filepath.Join(dir, "flashed-{target}.bin")},
				DependentServices: []string{"mcu-bridge.service", "mcu-log.service"},
			},
		},
	}
	cfg.Services.ReadyTimeout = config.Duration(200 * time.Millisecond)
	return cfg
}

func newTestDevice(t *testing.T) (*Device, *fakeManager, string) {
	t.Helper()
	dir := t.TempDir()
	mgr := &fakeManager{active: make(map[string]bool)}
	d := NewDevice(testConfig(dir), mgr)
	d.pollInterval = 10 * time.Millisecond
	return d, mgr, dir
}

func TestFlashRunsCommand(t *testing.T) {
	d, _, dir := newTestDevice(t)
	image := []byte("\x7fELF firmware image")

	require.NoError(t, d.Flash(context.Background(), "mcu-a", verified(t, manifest.Firmware("mcu-a"), image)))

	got, err := os.ReadFile(filepath.Join(dir, "flashed-mcu-a.bin"))
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestFlashFailures(t *testing.T) {
	d, _, _ := newTestDevice(t)
	ctx := context.Background()

	t.Run("unknown target", func(t *testing.T) {
		err := d.Flash(ctx, "mcu-z", verified(t, manifest.Firmware("mcu-z"), []byte("x")))
		assert.ErrorIs(t, err, ErrFlashFailed)
	})

	t.Run("artifact for another target", func(t *testing.T) {
		err := d.Flash(ctx, "mcu-a", verified(t, manifest.Firmware("mcu-b"), []byte("x")))
		assert.ErrorIs(t, err, ErrFlashFailed)
	})

	t.Run("command fails", func(t *testing.T) {
		d.flasher = CommandFlasher{}
		comp := d.components[manifest.Firmware("mcu-a")]
		comp.FlashCommand = []string{"false"}
		d.components[manifest.Firmware("mcu-a")] = comp

		err := d.Flash(ctx, "mcu-a", verified(t, manifest.Firmware("mcu-a"), []byte("x")))
		assert.ErrorIs(t, err, ErrFlashFailed)
	})
}

type flasherFunc func(ctx context.Context, comp config.Component, image []byte) error

func (f flasherFunc) Flash(ctx context.Context, comp config.Component, image []byte) error {
	return f(ctx, comp, image)
}

func TestFlashIsExclusivePerTarget(t *testing.T) {
	d, _, _ := newTestDevice(t)

	var inFlight, maxInFlight int32
	d.flasher = flasherFunc(func(context.Context, config.Component, []byte) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	a := verified(t, manifest.Firmware("mcu-a"), []byte("img"))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Flash(context.Background(), "mcu-a", a))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
}

func TestFlashTimeout(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.flashTimeout = 20 * time.Millisecond
	d.flasher = flasherFunc(func(ctx context.Context, _ config.Component, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := d.Flash(context.Background(), "mcu-a", verified(t, manifest.Firmware("mcu-a"), []byte("img")))
	assert.ErrorIs(t, err, ErrFlashFailed)
	assert.ErrorContains(t, err, "deadline exceeded")
}

func TestRestartIsStopThenStart(t *testing.T) {
	d, mgr, _ := newTestDevice(t)

	require.NoError(t, d.Restart(context.Background(), manifest.Firmware("mcu-a")))
	assert.Equal(t, []string{
		"stop mcu-bridge.service",
		"stop mcu-log.service",
		"start mcu-bridge.service",
		"start mcu-log.service",
	}, mgr.calls)

	mgr.calls = nil
	require.NoError(t, d.Restart(context.Background(), manifest.Application))
	assert.Equal(t, []string{"stop roc-camera.service", "start roc-camera.service"}, mgr.calls)
}

func TestServices(t *testing.T) {
	d, mgr, _ := newTestDevice(t)
	ctx := context.Background()
	mgr.active["mcu-bridge.service"] = true

	got, err := d.Services(ctx, manifest.Firmware("mcu-a"))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"mcu-bridge.service": true, "mcu-log.service": false}, got)

	got, err = d.Services(ctx, manifest.Supervisor)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = d.Services(ctx, manifest.Firmware("mcu-z"))
	assert.ErrorContains(t, err, "component not configured")
}

func TestRestartFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("never ready", func(t *testing.T) {
		d, mgr, _ := newTestDevice(t)
		mgr.noReady = true
		err := d.Restart(ctx, manifest.Application)
		assert.ErrorIs(t, err, ErrRestartFailed)
		assert.ErrorContains(t, err, "not ready")
	})

	t.Run("start error", func(t *testing.T) {
		d, mgr, _ := newTestDevice(t)
		mgr.startErr = errors.New("unit masked")
		err := d.Restart(ctx, manifest.Application)
		assert.ErrorIs(t, err, ErrRestartFailed)
		assert.ErrorContains(t, err, "unit masked")
	})

	t.Run("probe never answers", func(t *testing.T) {
		d, _, _ := newTestDevice(t)
		comp := d.components[manifest.Firmware("mcu-a")]
		comp.Probe = &config.Probe{Port: "/dev/ttyACM9"}
		d.components[manifest.Firmware("mcu-a")] = comp
		d.probe = func(ctx context.Context, _ config.Probe) error {
			<-ctx.Done()
			return ctx.Err()
		}
		err := d.Restart(ctx, manifest.Firmware("mcu-a"))
		assert.ErrorIs(t, err, ErrRestartFailed)
		assert.ErrorContains(t, err, "/dev/ttyACM9")
	})

	t.Run("supervisor is not a service", func(t *testing.T) {
		d, _, _ := newTestDevice(t)
		assert.ErrorIs(t, d.Restart(ctx, manifest.Supervisor), ErrRestartFailed)
	})
}

func TestInstallAndRestore(t *testing.T) {
	d, _, dir := newTestDevice(t)
	ctx := context.Background()
	path := filepath.Join(dir, "bin", "roc_camera")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o755))

	require.NoError(t, d.Install(ctx, manifest.Application, verified(t, manifest.Application, []byte("v3"))))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	require.NoError(t, d.Restore(ctx, manifest.Application))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	assert.ErrorIs(t, d.Restore(ctx, manifest.Application), ErrInstallFailed, "nothing left to restore")
	assert.ErrorIs(t, d.Restore(ctx, manifest.Firmware("mcu-a")), ErrInstallFailed)
	assert.ErrorIs(t, d.Install(ctx, manifest.Firmware("mcu-a"), verified(t, manifest.Firmware("mcu-a"), []byte("x"))), ErrInstallFailed)
}

func TestCheckWritable(t *testing.T) {
	d, _, dir := newTestDevice(t)
	require.NoError(t, d.CheckWritable([]manifest.Kind{manifest.Application, manifest.Supervisor, manifest.Firmware("mcu-a")}))
	_, err := os.Stat(filepath.Join(dir, "bin"))
	assert.NoError(t, err)

	assert.Error(t, d.CheckWritable([]manifest.Kind{manifest.Firmware("unknown")}))
}

func TestFlashArgs(t *testing.T) {
	got := flashArgs([]string{"picotool", "load", "{image}", "--target", "{target}", "-x"}, "/tmp/img", "mcu-a")
	assert.Equal(t, []string{"picotool", "load", "/tmp/img", "--target", "mcu-a", "-x"}, got)
}

func TestNewCommands(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Components[1].StartCommand = []string{"/opt/roc/start.sh"}
	cfg.Components[1].ProcessName = "roc_camera"
	cfg.Components[2].DependentServices = []string{"roc-camera.service"}

	c := NewCommands(cfg.Components)

	u, err := c.unit("roc-camera.service")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/roc/start.sh"}, u.Start)
	assert.Equal(t, "roc_camera", u.ProcessName)
	assert.Len(t, c.units, 1, "firmware dependents reuse the application unit")

	_, err = c.unit("sshd.service")
	assert.Error(t, err)
}

func TestCommandsFirmwareRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Services.Backend = "command"
	marker := filepath.Join(dir, "started")
	cfg.Components[1].StartCommand = []string{"touch", marker}
	cfg.Components[1].StopCommand = []string{"true"}
	// this test binary stands in for the running service
	cfg.Components[1].ProcessName = filepath.Base(os.Args[0])
	cfg.Components[2].DependentServices = []string{"roc-camera.service"}

	d := NewDevice(cfg, NewCommands(cfg.Components))
	fw := manifest.Firmware("mcu-a")
	require.NoError(t, d.Stop(context.Background(), fw))
	require.NoError(t, d.Start(context.Background(), fw))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCommandsActive(t *testing.T) {
	c := &Commands{units: map[string]CommandUnit{
		"ghost": {ProcessName: "geist-no-such-process"},
	}}
	active, err := c.Active(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestWaitJob(t *testing.T) {
	ch := make(chan string, 1)
	ch <- "done"
	assert.NoError(t, waitJob(context.Background(), "a.service", "start", ch))

	ch <- "failed"
	assert.ErrorContains(t, waitJob(context.Background(), "a.service", "start", ch), "failed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, waitJob(ctx, "a.service", "stop", make(chan string)), context.Canceled)
}

func TestNewManager(t *testing.T) {
	cfg := testConfig(t.TempDir())

	cfg.Services.Backend = "systemd"
	m, err := NewManager(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Systemd{}, m)

	cfg.Services.Backend = "command"
	m, err = NewManager(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Commands{}, m)

	cfg.Services.Backend = "upstart"
	_, err = NewManager(cfg)
	assert.Error(t, err)
}

func TestSelfUpdater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geist")
	require.NoError(t, os.WriteFile(path, []byte("old supervisor"), 0o755))

	u := NewSelfUpdater(path, []string{"recover"})
	require.NoError(t, u.CheckPermissions())

	require.NoError(t, u.Stage(verified(t, manifest.Supervisor, []byte("new supervisor"))))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("old supervisor"), got, "staging must not touch the running binary")

	require.NoError(t, u.Commit())
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new supervisor"), got)

	require.NoError(t, u.Restore())
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("old supervisor"), got)

	assert.ErrorIs(t, u.Stage(verified(t, manifest.Application, []byte("x"))), ErrInstallFailed)
}

func TestSelfUpdaterExecCancelled(t *testing.T) {
	u := NewSelfUpdater(filepath.Join(t.TempDir(), "geist"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, u.Exec(ctx), ErrRestartFailed)
}
