package service

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"geist/internal/config"
	"geist/internal/manifest"
)

// CommandUnit is a service managed by plain commands. Readiness is the
// presence of a live process named ProcessName.
type CommandUnit struct {
	Start       []string
	Stop        []string
	ProcessName string
}

// Commands is the service manager for devices without systemd.
type Commands struct {
	units       map[string]CommandUnit
	stopTimeout time.Duration
}

func NewCommands(components []config.Component) *Commands {
	units := make(map[string]CommandUnit)
	// firmware dependent services are application units, see config.Validate
	for _, comp := range components {
		if comp.Kind != manifest.CategoryApplication {
			continue
		}
		name := comp.ProcessName
		if name == "" {
			name = filepath.Base(comp.BinaryPath)
		}
		units[comp.Unit()] = CommandUnit{Start: comp.StartCommand, Stop: comp.StopCommand, ProcessName: name}
	}
	return &Commands{units: units, stopTimeout: 10 * time.Second}
}

func (c *Commands) unit(name string) (CommandUnit, error) {
	u, ok := c.units[name]
	if !ok {
		return CommandUnit{}, fmt.Errorf("service %s is not managed", name)
	}
	return u, nil
}

func (c *Commands) Start(_ context.Context, name string) error {
	u, err := c.unit(name)
	if err != nil {
		return err
	}
	if len(u.Start) == 0 {
		return fmt.Errorf("service %s has no start_command", name)
	}
	// the service outlives this process, so it is not bound to ctx
	cmd := exec.Command(u.Start[0], u.Start[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func (c *Commands) Stop(ctx context.Context, name string) error {
	u, err := c.unit(name)
	if err != nil {
		return err
	}
	if len(u.Stop) > 0 {
		out, err := exec.CommandContext(ctx, u.Stop[0], u.Stop[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("stop command for %s failed: %w: %s", name, err, tail(out, 512))
		}
		return nil
	}

	procs, err := findProcesses(ctx, u.ProcessName)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if err := p.TerminateWithContext(ctx); err != nil {
			return fmt.Errorf("failed to terminate %s (pid %d): %w", name, p.Pid, err)
		}
	}

	deadline := time.Now().Add(c.stopTimeout)
	for _, p := range procs {
		for {
			running, err := p.IsRunningWithContext(ctx)
			if err != nil || !running {
				break
			}
			if time.Now().After(deadline) {
				if err := p.KillWithContext(ctx); err != nil {
					return fmt.Errorf("failed to kill %s (pid %d): %w", name, p.Pid, err)
				}
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return nil
}

func (c *Commands) Active(ctx context.Context, name string) (bool, error) {
	u, err := c.unit(name)
	if err != nil {
		return false, err
	}
	procs, err := findProcesses(ctx, u.ProcessName)
	if err != nil {
		return false, err
	}
	return len(procs) > 0, nil
}

// findProcesses returns live processes whose name matches. Linux truncates
// process names to 15 bytes.
func findProcesses(ctx context.Context, name string) ([]*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	var out []*process.Process
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if n != name && !(len(n) == 15 && strings.HasPrefix(name, n)) {
			continue
		}
		if status, err := p.StatusWithContext(ctx); err == nil && slices.Contains(status, process.Zombie) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
