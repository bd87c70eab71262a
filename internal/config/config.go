package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"geist/internal/manifest"
)

// Duration is a time.Duration that reads from yaml strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Or(fallback time.Duration) time.Duration {
	if d > 0 {
		return time.Duration(d)
	}
	return fallback
}

type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff,omitempty"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Retry    Retry  `yaml:"retry,omitempty"`
}

type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token,omitempty"`
	Retry   Retry  `yaml:"retry,omitempty"`
}

type LocalConfig struct {
	Dir string `yaml:"dir"`
}

type Repository struct {
	Type  string      `yaml:"type"`
	S3    S3Config    `yaml:"s3,omitempty"`
	HTTP  HTTPConfig  `yaml:"http,omitempty"`
	Local LocalConfig `yaml:"local,omitempty"`
}

type Trust struct {
	PublicKeys  []string `yaml:"public_keys"`
	AgeIdentity string   `yaml:"age_identity,omitempty"`
}

type Services struct {
	Backend       string   `yaml:"backend"`
	SystemdSocket string   `yaml:"systemd_socket,omitempty"`
	ReadyTimeout  Duration `yaml:"ready_timeout,omitempty"`
}

type Probe struct {
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud,omitempty"`
	Request string `yaml:"request,omitempty"`
}

type Component struct {
	Kind              manifest.Category `yaml:"kind"`
	Target            string            `yaml:"target,omitempty"`
	BinaryPath        string            `yaml:"binary_path,omitempty"`
	Service           string            `yaml:"service,omitempty"`
	StartCommand      []string          `yaml:"start_command,omitempty"`
	StopCommand       []string          `yaml:"stop_command,omitempty"`
	ProcessName       string            `yaml:"process_name,omitempty"`
	FlashCommand      []string          `yaml:"flash_command,omitempty"`
	DependentServices []string          `yaml:"dependent_services,omitempty"`
	Probe             *Probe            `yaml:"probe,omitempty"`
}

// Unit is the service name of an application component.
func (c Component) Unit() string {
	if c.Service != "" {
		return c.Service
	}
	return filepath.Base(c.BinaryPath)
}

func (c Component) Name() manifest.Kind {
	if c.Kind == manifest.CategoryFirmware {
		return manifest.Firmware(c.Target)
	}
	return manifest.Kind(c.Kind)
}

type Config struct {
	BaseDir string `yaml:"base_dir"`
	Log     struct {
		Level string `yaml:"level"`
	} `yaml:"log,omitempty"`
	Repository Repository `yaml:"repository"`
	Trust      Trust      `yaml:"trust"`
	Fetch      struct {
		Parallelism int `yaml:"parallelism"`
	} `yaml:"fetch,omitempty"`
	Services     Services `yaml:"services"`
	FlashTimeout Duration `yaml:"flash_timeout,omitempty"`
	Rollback     struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"rollback,omitempty"`
	Components []Component `yaml:"components"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("base_dir is not set and home directory is unknown: %w", err)
		}
		cfg.BaseDir = filepath.Join(home, ".local", "share", "geist")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	switch c.Repository.Type {
	case "s3":
		if c.Repository.S3.Bucket == "" {
			return fmt.Errorf("repository.s3.bucket is required when type is s3")
		}
		if c.Repository.S3.Region == "" {
			return fmt.Errorf("repository.s3.region is required when type is s3")
		}
	case "http":
		if c.Repository.HTTP.BaseURL == "" {
			return fmt.Errorf("repository.http.base_url is required when type is http")
		}
	case "local":
		if c.Repository.Local.Dir == "" {
			return fmt.Errorf("repository.local.dir is required when type is local")
		}
	case "":
		return fmt.Errorf("repository.type is required")
	default:
		return fmt.Errorf("repository.type %q is unknown (want s3, http or local)", c.Repository.Type)
	}
	if len(c.Trust.PublicKeys) == 0 {
		return fmt.Errorf("trust.public_keys must have at least one entry")
	}
	switch c.Services.Backend {
	case "systemd", "command":
	case "":
		return fmt.Errorf("services.backend is required")
	default:
		return fmt.Errorf("services.backend %q is unknown (want systemd or command)", c.Services.Backend)
	}
	if len(c.Components) == 0 {
		return fmt.Errorf("at least one component is required")
	}
	apps := make(map[string]bool)
	for _, comp := range c.Components {
		if comp.Kind == manifest.CategoryApplication {
			apps[comp.Unit()] = true
		}
	}
	seen := make(map[manifest.Kind]bool)
	for i, comp := range c.Components {
		switch comp.Kind {
		case manifest.CategorySupervisor, manifest.CategoryApplication:
			if comp.BinaryPath == "" {
				return fmt.Errorf("components[%d].binary_path is required", i)
			}
		case manifest.CategoryFirmware:
			if comp.Target == "" {
				return fmt.Errorf("components[%d].target is required", i)
			}
			if !manifest.ValidTarget(comp.Target) {
				return fmt.Errorf("components[%d].target %q may only contain letters, digits, '.', '_' and '-'", i, comp.Target)
			}
			if len(comp.FlashCommand) == 0 {
				return fmt.Errorf("components[%d].flash_command is required", i)
			}
			if comp.Probe != nil && comp.Probe.Port == "" {
				return fmt.Errorf("components[%d].probe.port is required", i)
			}
			if c.Services.Backend == "command" {
				for _, svc := range comp.DependentServices {
					if !apps[svc] {
						return fmt.Errorf("components[%d].dependent_services %q must name a configured application with the command backend", i, svc)
					}
				}
			}
		case "":
			return fmt.Errorf("components[%d].kind is required", i)
		default:
			return fmt.Errorf("components[%d].kind %q is unknown", i, comp.Kind)
		}
		if comp.Kind == manifest.CategoryApplication && c.Services.Backend == "command" && len(comp.StartCommand) == 0 {
			return fmt.Errorf("components[%d].start_command is required with the command backend", i)
		}
		if seen[comp.Name()] {
			return fmt.Errorf("component %s is configured more than once", comp.Name())
		}
		seen[comp.Name()] = true
	}
	return nil
}

func (c *Config) FindComponent(kind manifest.Kind) (*Component, error) {
	for _, comp := range c.Components {
		if comp.Name() == kind {
			return &comp, nil
		}
	}
	return nil, fmt.Errorf("component not configured: %s", kind)
}

func (c *Config) RetryAttempts() int {
	var attempts int
	switch c.Repository.Type {
	case "s3":
		attempts = c.Repository.S3.Retry.MaxAttempts
	case "http":
		attempts = c.Repository.HTTP.Retry.MaxAttempts
	}
	if attempts > 0 {
		return attempts
	}
	return 3
}

func (c *Config) FetchParallelism() int {
	if c.Fetch.Parallelism > 0 {
		return c.Fetch.Parallelism
	}
	return 4
}

func (c *Config) RollbackAttempts() int {
	if c.Rollback.MaxAttempts > 0 {
		return c.Rollback.MaxAttempts
	}
	return 2
}

func (c *Config) ReadyTimeout() time.Duration {
	return c.Services.ReadyTimeout.Or(30 * time.Second)
}

func (c *Config) FlashDeadline() time.Duration {
	return c.FlashTimeout.Or(5 * time.Minute)
}
