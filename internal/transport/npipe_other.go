//go:build !windows

package transport

import (
	"context"
	"fmt"
	"net"
	"runtime"
)

func dialPipe(_ context.Context, path string) (net.Conn, error) {
	return nil, fmt.Errorf("named pipe %q is not supported on %s", path, runtime.GOOS)
}
