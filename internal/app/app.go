package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"geist/internal/cache"
	"geist/internal/config"
	"geist/internal/integrity"
	"geist/internal/lock"
	"geist/internal/manifest"
	"geist/internal/repository"
	"geist/internal/resolve"
	"geist/internal/service"
	"geist/internal/session"
	"geist/internal/state"
	"geist/internal/util"
)

// Env holds the collaborators every command shares.
type Env struct {
	Config   *config.Config
	Deps     session.Deps
	Options  session.Options
	LockPath string
	Out      io.Writer
}

// Build loads the config, sets up logging and wires the session
// collaborators. The returned cleanup closes the log file.
func Build(ctx context.Context, configPath string, out io.Writer) (*Env, func(), error) {
	configPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	runDir := filepath.Dir(util.StatePath(cfg.BaseDir))
	if err := util.SetupDirectories(runDir, util.LogDir(cfg.BaseDir), util.ArtifactDir(cfg.BaseDir)); err != nil {
		return nil, nil, err
	}

	logger, logFile, err := util.SetupLogging(util.LogPath(cfg.BaseDir, time.Now()), cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	cleanup := func() { logFile.Close() }

	keyring, err := integrity.LoadKeyring(cfg.Trust.PublicKeys)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	var identity age.Identity
	if cfg.Trust.AgeIdentity != "" {
		identity, err = integrity.LoadIdentity(cfg.Trust.AgeIdentity)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	store, err := repository.New(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	mgr, err := service.NewManager(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	deps := session.Deps{
		Resolver:   resolve.New(store),
		Store:      store,
		Cache:      cache.New(util.ArtifactDir(cfg.BaseDir)),
		Verifier:   integrity.NewVerifier(keyring, identity),
		Controller: service.NewDevice(cfg, mgr),
		States:     state.NewStore(util.StatePath(cfg.BaseDir)),
	}
	if sup, err := cfg.FindComponent(manifest.Supervisor); err == nil {
		deps.Self = service.NewSelfUpdater(sup.BinaryPath, []string{"--config", configPath, "recover"})
	}

	env := &Env{
		Config: cfg,
		Deps:   deps,
		Options: session.Options{
			Parallelism:      cfg.FetchParallelism(),
			RollbackAttempts: cfg.RollbackAttempts(),
		},
		LockPath: util.LockPath(cfg.BaseDir),
		Out:      out,
	}
	slog.Debug("Environment ready", "config", configPath, "repository", cfg.Repository.Type, "base_dir", cfg.BaseDir)
	return env, cleanup, nil
}

// Run builds the environment from configPath and executes cmd.
func Run(ctx context.Context, configPath string, cmd Command, out io.Writer) error {
	env, cleanup, err := Build(ctx, configPath, out)
	if err != nil {
		return err
	}
	defer cleanup()
	return env.Execute(ctx, cmd)
}

func (e *Env) newSession() *session.Session {
	return session.New(e.Deps, e.Options)
}

// Execute runs one command and prints its outcome.
func (e *Env) Execute(ctx context.Context, cmd Command) error {
	if v, ok := cmd.(Verify); ok {
		res, err := e.newSession().Verify(ctx, v.Version)
		e.report(cmd, res, err)
		return err
	}

	s := e.newSession()
	release, err := e.lock(cmd, s.ID())
	if err != nil {
		e.report(cmd, nil, err)
		return err
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("Failed to release lock", "path", e.LockPath, "error", err)
		}
	}()

	var res *session.Result
	switch c := cmd.(type) {
	case Recover:
		res, err = s.Recover(ctx)
		if res == nil && err == nil {
			fmt.Fprintln(e.Out, "nothing to recover")
			return nil
		}
	case Rollback:
		if c.Version == "" {
			res, err = s.RollbackToLastKnownGood(ctx)
			break
		}
		if err = e.recoverFirst(ctx); err != nil {
			break
		}
		res, err = s.Update(ctx, session.Request{Command: cmd.name(), Selector: c.Version, AllowManual: true})
	case Update:
		if err = e.recoverFirst(ctx); err != nil {
			break
		}
		res, err = s.Update(ctx, session.Request{Command: cmd.name(), Selector: c.Version})
	case UpdateSelf:
		if e.Deps.Self == nil {
			err = fmt.Errorf("%w: no supervisor component is configured", session.ErrPreflight)
			break
		}
		if err = e.recoverFirst(ctx); err != nil {
			break
		}
		res, err = s.Update(ctx, session.Request{Command: cmd.name(), Selector: c.Version, Only: onlySupervisor})
	default:
		panic(fmt.Sprintf("app: unhandled command %T", cmd))
	}

	e.report(cmd, res, err)
	return err
}

// lock takes the session lock. Recover first adopts a lock its own pid
// already holds, which is the case right after a self-exec.
func (e *Env) lock(cmd Command, id string) (func() error, error) {
	if _, ok := cmd.(Recover); ok {
		if release, err := lock.Adopt(e.LockPath); err == nil {
			slog.Debug("Adopted session lock", "path", e.LockPath)
			return release, nil
		}
	}
	return lock.Acquire(e.LockPath, id, cmd.name())
}

// recoverFirst closes a session interrupted by a crash before a new one
// starts.
func (e *Env) recoverFirst(ctx context.Context) error {
	res, err := e.newSession().Recover(ctx)
	if res != nil {
		fmt.Fprintf(e.Out, "recovered interrupted session %s: %s\n", res.Session, res.State)
	}
	if err != nil {
		return fmt.Errorf("recovering interrupted session: %w", err)
	}
	return nil
}

func joinKinds(kinds []manifest.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}

// report prints the terminal state and, on failure, the error kind and the
// components involved.
func (e *Env) report(cmd Command, res *session.Result, err error) {
	var f *session.Failure
	switch {
	case errors.As(err, &f):
		fmt.Fprintf(e.Out, "%s: %s (%s during %s)\n", cmd.name(), f.State, f.Kind(), f.Phase)
		if len(f.Components) > 0 {
			fmt.Fprintf(e.Out, "  affected: %s\n", joinKinds(f.Components))
		}
		if len(f.Reverted) > 0 {
			fmt.Fprintf(e.Out, "  reverted: %s\n", joinKinds(f.Reverted))
		}
	case err != nil:
		fmt.Fprintf(e.Out, "%s: %s (%s)\n", cmd.name(), session.Failed, session.KindOf(err))
	case res != nil:
		fmt.Fprintf(e.Out, "%s: %s", cmd.name(), res.State)
		if res.Version != "" {
			fmt.Fprintf(e.Out, " %s", res.Version)
		}
		fmt.Fprintln(e.Out)
		if len(res.Components) > 0 {
			fmt.Fprintf(e.Out, "  components: %s\n", joinKinds(res.Components))
		}
		if len(res.Reverted) > 0 {
			fmt.Fprintf(e.Out, "  reverted: %s\n", joinKinds(res.Reverted))
		}
	}
}
