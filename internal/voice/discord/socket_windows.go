//go:build windows

package discord

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// dialIPC connects to the first discord-ipc-N named pipe that accepts.
func dialIPC(ctx context.Context) (net.Conn, error) {
	var errs []error
	for i := 0; i < 10; i++ {
		conn, err := winio.DialPipeContext(ctx, fmt.Sprintf(`\\?\pipe\discord-ipc-%d`, i))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("no discord ipc pipe available: %w", errors.Join(errs...))
}
