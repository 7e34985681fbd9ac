//go:build !windows

package discord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

func ipcDir() string {
	for _, key := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "/tmp"
}

// dialIPC connects to the first discord-ipc-N socket that accepts.
func dialIPC(ctx context.Context) (net.Conn, error) {
	var dialer net.Dialer
	var errs []error
	for i := 0; i < 10; i++ {
		path := filepath.Join(ipcDir(), fmt.Sprintf("discord-ipc-%d", i))
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("no discord ipc socket available: %w", errors.Join(errs...))
}
