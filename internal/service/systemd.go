package service

import (
	"context"
	"fmt"
	"os"
	"strconv"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
)

// Systemd controls units through the systemd D-Bus API. An empty socket
// uses the system bus; otherwise the private socket at that path is dialed.
type Systemd struct {
	socket string
}

func NewSystemd(socket string) *Systemd {
	return &Systemd{socket: socket}
}

func (s *Systemd) connect(ctx context.Context) (*systemd.Conn, error) {
	if s.socket == "" {
		conn, err := systemd.NewSystemConnectionContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to systemd: %w", err)
		}
		return conn, nil
	}
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + s.socket)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to systemd socket %s: %w", s.socket, err)
		}
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		if err := conn.Auth(methods); err != nil {
			conn.Close()
			return nil, fmt.Errorf("unable to authenticate with systemd: %w", err)
		}
		return conn, nil
	}
	return systemd.NewConnection(dialer)
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("unable to start %s: %w", name, err)
	}
	return waitJob(ctx, name, "start", ch)
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("unable to stop %s: %w", name, err)
	}
	return waitJob(ctx, name, "stop", ch)
}

func (s *Systemd) Active(ctx context.Context, name string) (bool, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	prop, err := conn.GetUnitPropertyContext(ctx, name, "ActiveState")
	if err != nil {
		return false, fmt.Errorf("unable to query %s: %w", name, err)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return false, fmt.Errorf("unable to handle queried property: %q", prop.Value.String())
	}
	return state == "active", nil
}

// waitJob waits for the result of a queued unit job. systemd reports
// "done" on success and "failed", "timeout", "canceled" and others otherwise.
func waitJob(ctx context.Context, name, op string, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s %s job finished with %q", name, op, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s job: %w", name, op, ctx.Err())
	}
}
