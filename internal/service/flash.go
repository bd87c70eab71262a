package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"geist/internal/config"
)

// CommandFlasher runs the configured flash_command with {image} replaced
// by a temporary file holding the image and {target} by the target name.
type CommandFlasher struct{}

func (CommandFlasher) Flash(ctx context.Context, comp config.Component, image []byte) error {
	if len(comp.FlashCommand) == 0 {
		return fmt.Errorf("no flash_command configured for %s", comp.Target)
	}

	f, err := os.CreateTemp("", "geist-"+comp.Target+"-*.img")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(image); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	args := flashArgs(comp.FlashCommand, f.Name(), comp.Target)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", args[0], ctx.Err())
		}
		return fmt.Errorf("%s: %w: %s", args[0], err, tail(out, 512))
	}
	return nil
}

func flashArgs(command []string, image, target string) []string {
	r := strings.NewReplacer("{image}", image, "{target}", target)
	args := make([]string, len(command))
	for i, a := range command {
		args[i] = r.Replace(a)
	}
	return args
}

func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
