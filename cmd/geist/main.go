package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"geist/internal/app"
	"geist/internal/check"
	"geist/internal/keys"
	"geist/internal/manifest"
	"geist/internal/resolve"
	"geist/internal/session"
	"geist/internal/status"
)

func selector(cmd *cli.Command) resolve.Selector {
	return resolve.Selector(cmd.Args().First())
}

func main() {
	cmd := &cli.Command{
		Name:    "geist",
		Usage:   "Update orchestrator for the supervisor, application and firmware",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to configuration yaml file",
				Value:   "/etc/geist/geist.yaml",
				Sources: cli.EnvVars("GEIST_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "update",
				Usage:     "Update every component that differs from a release",
				ArgsUsage: "[version|latest]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return app.Run(ctx, cmd.String("config"), app.Update{Version: selector(cmd)}, os.Stdout)
				},
			},
			{
				Name:      "verify",
				Usage:     "Fetch and verify a release without applying it",
				ArgsUsage: "[version|latest]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return app.Run(ctx, cmd.String("config"), app.Verify{Version: selector(cmd)}, os.Stdout)
				},
			},
			{
				Name:      "rollback",
				Usage:     "Return to the last known good set, or to the given version",
				ArgsUsage: "[version]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return app.Run(ctx, cmd.String("config"), app.Rollback{Version: selector(cmd)}, os.Stdout)
				},
			},
			{
				Name:      "update-self",
				Usage:     "Update only the supervisor binary",
				ArgsUsage: "[version|latest]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return app.Run(ctx, cmd.String("config"), app.UpdateSelf{Version: selector(cmd)}, os.Stdout)
				},
			},
			{
				Name:   "recover",
				Usage:  "Finish or roll back an interrupted session",
				Hidden: true,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return app.Run(ctx, cmd.String("config"), app.Recover{}, os.Stdout)
				},
			},
			{
				Name:  "status",
				Usage: "Print the persisted device state as JSON",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return status.Run(cmd.String("config"), os.Stdout)
				},
			},
			{
				Name:  "check",
				Usage: "Check configuration, trust keys, repository and state",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return check.Run(ctx, cmd.String("config"), os.Stdout)
				},
			},
			{
				Name:  "keys",
				Usage: "Manage release signing keys",
				Commands: []*cli.Command{
					{
						Name:  "generate",
						Usage: "Generate a release signing key pair and a device age identity",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "dir",
								Usage: "Directory to write the keys to",
								Value: ".",
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return keys.Generate(ctx, cmd.String("dir"), os.Stdout)
						},
					},
					{
						Name:      "sign",
						Usage:     "Sign an artifact and print its manifest entry",
						ArgsUsage: "<file>",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "private-key",
								Usage:    "Path to the Ed25519 signing key",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "kind",
								Usage:    "Component kind: supervisor, application or firmware",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "target",
								Usage: "Firmware target name",
							},
							&cli.StringFlag{
								Name:  "artifact",
								Usage: "Artifact reference to write (default: file name)",
							},
							&cli.StringFlag{
								Name:  "encrypt-to",
								Usage: "age recipient to encrypt the artifact to",
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							if cmd.Args().Len() != 1 {
								return fmt.Errorf("expected exactly one artifact file")
							}
							return keys.Sign(ctx, keys.SignOptions{
								PrivateKey: cmd.String("private-key"),
								File:       cmd.Args().First(),
								Kind:       manifest.Category(cmd.String("kind")),
								Target:     cmd.String("target"),
								Artifact:   cmd.String("artifact"),
								Recipient:  cmd.String("encrypt-to"),
							}, os.Stdout)
						},
					},
					{
						Name:  "test",
						Usage: "Test that a signing key matches the trusted keys in config",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "private-key",
								Usage:    "Path to the Ed25519 signing key",
								Required: true,
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return keys.Test(ctx, cmd.String("config"), cmd.String("private-key"), os.Stdout)
						},
					},
				},
			},
		},
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.Run(ctx, os.Args)
	if err == nil {
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Fprintln(os.Stderr, "\n⚠ Update interrupted by user")
	}
	slog.Error("CLI error", "kind", session.KindOf(err), "error", err)
	stop()
	os.Exit(session.ExitCode(err))
}
