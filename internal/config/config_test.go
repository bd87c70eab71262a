package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geist/internal/manifest"
)

func validConfig() *Config {
	return &Config{
		BaseDir:    "/tmp/geist",
		Repository: Repository{Type: "local", Local: LocalConfig{Dir: "/srv/releases"}},
		Trust:      Trust{PublicKeys: []string{"release.pub.pem"}},
		Services:   Services{Backend: "systemd"},
		Components: []Component{
			{Kind: manifest.CategorySupervisor, BinaryPath: "/usr/local/bin/geist"},
			{Kind: manifest.CategoryApplication, BinaryPath: "/opt/roc/roc_camera", Service: "roc-camera.service"},
			{Kind: manifest.CategoryFirmware, Target: "mcu-a", FlashCommand: []string{"flash", "{image}"}},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name        string
		mutate      func(c *Config)
		errContains string
	}{
		{"empty base_dir", func(c *Config) { c.BaseDir = "" }, "base_dir is required"},
		{"missing repository type", func(c *Config) { c.Repository.Type = "" }, "repository.type is required"},
		{"unknown repository type", func(c *Config) { c.Repository.Type = "ftp" }, "is unknown"},
		{"s3 without bucket", func(c *Config) {
			c.Repository.Type = "s3"
			c.Repository.S3.Region = "us-east-1"
		}, "repository.s3.bucket is required"},
		{"s3 without region", func(c *Config) {
			c.Repository.Type = "s3"
			c.Repository.S3.Bucket = "releases"
		}, "repository.s3.region is required"},
		{"http without base_url", func(c *Config) { c.Repository.Type = "http" }, "repository.http.base_url is required"},
		{"local without dir", func(c *Config) { c.Repository.Local.Dir = "" }, "repository.local.dir is required"},
		{"no public keys", func(c *Config) { c.Trust.PublicKeys = nil }, "trust.public_keys"},
		{"missing services backend", func(c *Config) { c.Services.Backend = "" }, "services.backend is required"},
		{"unknown services backend", func(c *Config) { c.Services.Backend = "runit" }, "is unknown"},
		{"no components", func(c *Config) { c.Components = nil }, "at least one component"},
		{"process without binary_path", func(c *Config) { c.Components[1].BinaryPath = "" }, "components[1].binary_path is required"},
		{"firmware without target", func(c *Config) { c.Components[2].Target = "" }, "components[2].target is required"},
		{"firmware without flash_command", func(c *Config) { c.Components[2].FlashCommand = nil }, "components[2].flash_command is required"},
		{"probe without port", func(c *Config) { c.Components[2].Probe = &Probe{Baud: 9600} }, "components[2].probe.port is required"},
		{"command backend without start_command", func(c *Config) { c.Services.Backend = "command" }, "start_command is required"},
		{"firmware target with separator", func(c *Config) { c.Components[2].Target = "../mcu" }, "components[2].target"},
		{"command backend with unmanaged dependent service", func(c *Config) {
			c.Services.Backend = "command"
			c.Components[1].StartCommand = []string{"/opt/roc/start.sh"}
			c.Components[2].DependentServices = []string{"mcu-bridge.service"}
		}, `components[2].dependent_services "mcu-bridge.service" must name a configured application`},
		{"duplicate component", func(c *Config) {
			c.Components = append(c.Components, c.Components[2])
		}, "configured more than once"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errContains)
		})
	}
}

func TestValidateCommandBackendDependents(t *testing.T) {
	cfg := validConfig()
	cfg.Services.Backend = "command"
	cfg.Components[1].StartCommand = []string{"/opt/roc/start.sh"}
	cfg.Components[2].DependentServices = []string{"roc-camera.service"}
	require.NoError(t, cfg.Validate())

	cfg.Components[1].Service = ""
	cfg.Components[2].DependentServices = []string{"roc_camera"}
	require.NoError(t, cfg.Validate())

	// the systemd backend manages any unit
	cfg.Services.Backend = "systemd"
	cfg.Components[2].DependentServices = []string{"mcu-bridge.service"}
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geist.yaml")
	content := `
base_dir: /var/lib/geist
repository:
  type: http
  http:
    base_url: https://storage.googleapis.com/roc-camera-releases
    retry:
      max_attempts: 5
      backoff: 2s
trust:
  public_keys: [release.pub.pem]
services:
  backend: systemd
  ready_timeout: 45s
flash_timeout: 2m
components:
  - kind: application
    binary_path: /opt/roc/roc_camera
    service: roc-camera.service
  - kind: firmware
    target: mcu-a
    flash_command: [picotool, load, "{image}"]
    dependent_services: [mcu-bridge.service]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/geist", cfg.BaseDir)
	assert.Equal(t, 5, cfg.RetryAttempts())
	assert.Equal(t, 2*time.Second, cfg.Repository.HTTP.Retry.Backoff.Or(0))
	assert.Equal(t, 45*time.Second, cfg.ReadyTimeout())
	assert.Equal(t, 2*time.Minute, cfg.FlashDeadline())
	assert.Equal(t, 4, cfg.FetchParallelism())
	assert.Equal(t, 2, cfg.RollbackAttempts())

	comp, err := cfg.FindComponent(manifest.Firmware("mcu-a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"mcu-bridge.service"}, comp.DependentServices)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flash_timeout: soon\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestFindComponent(t *testing.T) {
	cfg := validConfig()

	tests := []struct {
		name    string
		kind    manifest.Kind
		wantErr bool
	}{
		{"supervisor", manifest.Supervisor, false},
		{"firmware target", manifest.Firmware("mcu-a"), false},
		{"unknown firmware target", manifest.Firmware("mcu-z"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp, err := cfg.FindComponent(tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, comp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, comp.Name())
		})
	}
}

func TestRetryAttempts(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   int
	}{
		{
			name: "custom s3 retry attempts",
			config: &Config{Repository: Repository{Type: "s3", S3: S3Config{
				Retry: Retry{MaxAttempts: 7},
			}}},
			want: 7,
		},
		{
			name:   "default retry attempts",
			config: &Config{Repository: Repository{Type: "http"}},
			want:   3,
		},
		{
			name:   "local repository",
			config: &Config{Repository: Repository{Type: "local"}},
			want:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.RetryAttempts())
		})
	}
}
