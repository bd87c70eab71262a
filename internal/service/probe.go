package service

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tarm/serial"

	"geist/internal/config"
)

const defaultBaud = 115200

// SerialProbe waits for a freshly flashed target to come back on its serial
// port. When a request is configured the target must answer it with a line.
// It retries until ctx is done, since the port re-enumerates after a flash.
func SerialProbe(ctx context.Context, p config.Probe) error {
	baud := p.Baud
	if baud == 0 {
		baud = defaultBaud
	}
	var lastErr error
	for {
		if lastErr = probeOnce(p.Port, baud, p.Request); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func probeOnce(port string, baud int, request string) error {
	c := &serial.Config{Name: port, Baud: baud, ReadTimeout: 2 * time.Second}
	s, err := serial.OpenPort(c)
	if err != nil {
		return err
	}
	defer s.Close()
	_ = s.Flush()

	if request == "" {
		return nil
	}
	if _, err := s.Write([]byte(request)); err != nil {
		return err
	}
	line, err := bufio.NewReader(s).ReadString('\n')
	if strings.TrimSpace(line) == "" {
		if err != nil {
			return err
		}
		return fmt.Errorf("empty reply from %s", port)
	}
	return nil
}
