package check

import (
	"context"
	"fmt"
	"io"
	"sort"

	"geist/internal/config"
	"geist/internal/integrity"
	"geist/internal/manifest"
	"geist/internal/repository"
	"geist/internal/service"
	"geist/internal/state"
	"geist/internal/util"
)

// Run checks that the device can run an update session: configuration, trust
// material, repository reachability, state and binary directories. Service
// status is reported but never fails the check.
func Run(ctx context.Context, configPath string, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintln(w, "config: OK")

	store, err := repository.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("repository init: %w", err)
	}
	mgr, err := service.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("services init: %w", err)
	}
	return run(ctx, cfg, store, service.NewDevice(cfg, mgr), w)
}

func run(ctx context.Context, cfg *config.Config, store repository.Store, device *service.Device, w io.Writer) error {
	keyring, err := integrity.LoadKeyring(cfg.Trust.PublicKeys)
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	fmt.Fprintf(w, "trust: %d public key(s): OK\n", keyring.Len())

	if cfg.Trust.AgeIdentity != "" {
		if _, err := integrity.LoadIdentity(cfg.Trust.AgeIdentity); err != nil {
			return fmt.Errorf("trust: %w", err)
		}
		fmt.Fprintf(w, "age identity %s: OK\n", cfg.Trust.AgeIdentity)
	}

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("repository %s: %w", cfg.Repository.Type, err)
	}
	fmt.Fprintf(w, "repository %s: OK\n", cfg.Repository.Type)

	statePath := util.StatePath(cfg.BaseDir)
	st, err := state.NewStore(statePath).Load()
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	fmt.Fprintf(w, "state %s (sequence %d): OK\n", statePath, st.Sequence)
	if st.Session != nil {
		fmt.Fprintf(w, "state: session %s interrupted in phase %s, it is recovered by the next command\n",
			st.Session.ID, st.Session.Phase)
	}
	if st.ManualIntervention {
		fmt.Fprintf(w, "state: manual intervention required: %s\n", st.ManualReason)
	}

	kinds := make([]manifest.Kind, 0, len(cfg.Components))
	for _, comp := range cfg.Components {
		kinds = append(kinds, comp.Name())
	}
	if err := device.CheckWritable(kinds); err != nil {
		return fmt.Errorf("binary directories: %w", err)
	}
	fmt.Fprintln(w, "binary directories: OK")

	for _, kind := range kinds {
		services, err := device.Services(ctx, kind)
		if err != nil {
			fmt.Fprintf(w, "component %s: services unknown: %v\n", kind, err)
			continue
		}
		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			status := "inactive"
			if services[name] {
				status = "active"
			}
			fmt.Fprintf(w, "component %s service %s: %s\n", kind, name, status)
		}
	}

	fmt.Fprintln(w, "all checks passed")
	return nil
}
