//go:build !linux

package transport

import (
	"log/slog"
	"syscall"
)

func dialControl(int, *slog.Logger) func(network, address string, c syscall.RawConn) error {
	return nil
}
