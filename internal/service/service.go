package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"geist/internal/config"
	"geist/internal/integrity"
	"geist/internal/manifest"
	"geist/internal/util"
)

var (
	ErrFlashFailed   = errors.New("flash failed")
	ErrInstallFailed = errors.New("install failed")
	ErrRestartFailed = errors.New("restart failed")
)

// Manager controls named OS services.
type Manager interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Active(ctx context.Context, name string) (bool, error)
}

// Flasher writes a firmware image to a microcontroller target.
type Flasher interface {
	Flash(ctx context.Context, comp config.Component, image []byte) error
}

// NewManager returns the service manager selected by services.backend.
func NewManager(cfg *config.Config) (Manager, error) {
	switch cfg.Services.Backend {
	case "systemd":
		return NewSystemd(cfg.Services.SystemdSocket), nil
	case "command":
		return NewCommands(cfg.Components), nil
	}
	return nil, fmt.Errorf("unknown services backend %q", cfg.Services.Backend)
}

// Device is the live side of the update: firmware targets, process binaries
// and the services that run them. It performs no persistence.
type Device struct {
	components   map[manifest.Kind]config.Component
	services     Manager
	flasher      Flasher
	probe        func(ctx context.Context, p config.Probe) error
	readyTimeout time.Duration
	flashTimeout time.Duration
	pollInterval time.Duration

	mu         sync.Mutex
	flashLocks map[string]*sync.Mutex
}

func NewDevice(cfg *config.Config, services Manager) *Device {
	components := make(map[manifest.Kind]config.Component, len(cfg.Components))
	for _, comp := range cfg.Components {
		components[comp.Name()] = comp
	}
	return &Device{
		components:   components,
		services:     services,
		flasher:      CommandFlasher{},
		probe:        SerialProbe,
		readyTimeout: cfg.ReadyTimeout(),
		flashTimeout: cfg.FlashDeadline(),
		pollInterval: 500 * time.Millisecond,
		flashLocks:   make(map[string]*sync.Mutex),
	}
}

func (d *Device) component(kind manifest.Kind) (config.Component, error) {
	comp, ok := d.components[kind]
	if !ok {
		return config.Component{}, fmt.Errorf("component not configured: %s", kind)
	}
	return comp, nil
}

func (d *Device) flashLock(target string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.flashLocks[target]
	if !ok {
		l = &sync.Mutex{}
		d.flashLocks[target] = l
	}
	return l
}

// Flash writes the verified image to a firmware target. Flashes to the same
// target never overlap.
func (d *Device) Flash(ctx context.Context, target string, a *integrity.VerifiedArtifact) error {
	kind := manifest.Firmware(target)
	comp, err := d.component(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlashFailed, err)
	}
	if a.Component() != kind {
		return fmt.Errorf("%w: artifact for %s offered to %s", ErrFlashFailed, a.Component(), kind)
	}

	l := d.flashLock(target)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.flashTimeout)
	defer cancel()

	slog.Info("Flashing firmware", "target", target, "size", a.Size())
	start := time.Now()
	if err := d.flasher.Flash(ctx, comp, a.Payload()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFlashFailed, target, err)
	}
	slog.Info("Firmware flashed", "target", target, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Install replaces the binary of a process component. The previous binary
// is kept for Restore.
func (d *Device) Install(ctx context.Context, kind manifest.Kind, a *integrity.VerifiedArtifact) error {
	comp, err := d.component(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	if kind.IsFirmware() || comp.BinaryPath == "" {
		return fmt.Errorf("%w: %s has no binary to install", ErrInstallFailed, kind)
	}
	if a.Component() != kind {
		return fmt.Errorf("%w: artifact for %s offered to %s", ErrInstallFailed, a.Component(), kind)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, kind, err)
	}
	if err := InstallBinary(comp.BinaryPath, a.Payload()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, kind, err)
	}
	slog.Info("Binary installed", "component", kind, "path", comp.BinaryPath, "size", a.Size())
	return nil
}

// Restore puts back the binary that the last Install replaced. It is the
// revert path for a component that has no recorded identity.
func (d *Device) Restore(ctx context.Context, kind manifest.Kind) error {
	comp, err := d.component(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	if kind.IsFirmware() {
		return fmt.Errorf("%w: %s: no previous firmware image is recorded", ErrInstallFailed, kind)
	}
	if err := RestoreBinary(comp.BinaryPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, kind, err)
	}
	slog.Info("Previous binary restored", "component", kind, "path", comp.BinaryPath)
	return nil
}

// units lists the services that must be cycled for a component.
func (d *Device) units(kind manifest.Kind) ([]string, config.Component, error) {
	comp, err := d.component(kind)
	if err != nil {
		return nil, comp, err
	}
	switch kind.Category() {
	case manifest.CategoryFirmware:
		return comp.DependentServices, comp, nil
	case manifest.CategoryApplication:
		return []string{comp.Unit()}, comp, nil
	}
	return nil, comp, fmt.Errorf("%s is restarted by re-executing the supervisor", kind)
}

func (d *Device) Stop(ctx context.Context, kind manifest.Kind) error {
	units, _, err := d.units(kind)
	if err != nil {
		return err
	}
	for _, unit := range units {
		slog.Debug("Stopping service", "component", kind, "service", unit)
		if err := d.services.Stop(ctx, unit); err != nil {
			return fmt.Errorf("failed to stop %s: %w", unit, err)
		}
	}
	return nil
}

// Start starts the component's services and waits until they are ready.
func (d *Device) Start(ctx context.Context, kind manifest.Kind) error {
	units, comp, err := d.units(kind)
	if err != nil {
		return err
	}
	for _, unit := range units {
		slog.Debug("Starting service", "component", kind, "service", unit)
		if err := d.services.Start(ctx, unit); err != nil {
			return fmt.Errorf("failed to start %s: %w", unit, err)
		}
	}
	return d.waitReady(ctx, kind, comp, units)
}

// Restart is Stop followed by Start. Any failure, including not reaching
// ready within the bounded wait, is ErrRestartFailed.
func (d *Device) Restart(ctx context.Context, kind manifest.Kind) error {
	if err := d.Stop(ctx, kind); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRestartFailed, kind, err)
	}
	if err := d.Start(ctx, kind); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRestartFailed, kind, err)
	}
	slog.Info("Component restarted", "component", kind)
	return nil
}

func (d *Device) waitReady(ctx context.Context, kind manifest.Kind, comp config.Component, units []string) error {
	ctx, cancel := context.WithTimeout(ctx, d.readyTimeout)
	defer cancel()

	if comp.Probe != nil {
		if err := d.probe(ctx, *comp.Probe); err != nil {
			return fmt.Errorf("%s did not answer on %s: %w", kind, comp.Probe.Port, err)
		}
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for _, unit := range units {
		for {
			active, err := d.services.Active(ctx, unit)
			if err == nil && active {
				break
			}
			select {
			case <-ctx.Done():
				if err != nil {
					return fmt.Errorf("%s not ready within %s: %w", unit, d.readyTimeout, err)
				}
				return fmt.Errorf("%s not ready within %s", unit, d.readyTimeout)
			case <-ticker.C:
			}
		}
	}
	return nil
}

// CheckWritable probes every directory that will receive a binary.
func (d *Device) CheckWritable(kinds []manifest.Kind) error {
	var errs []error
	for _, kind := range kinds {
		comp, err := d.component(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if comp.BinaryPath == "" {
			continue
		}
		if err := util.CheckWritable(filepath.Dir(comp.BinaryPath)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// Services reports whether each service of a component is active. The
// supervisor has none.
func (d *Device) Services(ctx context.Context, kind manifest.Kind) (map[string]bool, error) {
	if kind == manifest.Supervisor {
		return nil, nil
	}
	units, _, err := d.units(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(units))
	for _, unit := range units {
		active, err := d.services.Active(ctx, unit)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", unit, err)
		}
		out[unit] = active
	}
	return out, nil
}
