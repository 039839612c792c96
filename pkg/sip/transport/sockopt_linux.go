//go:build linux

package transport

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// dialControl выставляет DSCP на сокете до установления соединения.
// Ошибка установки опции не мешает соединению.
func dialControl(dscp int, logger *slog.Logger) func(network, address string, c syscall.RawConn) error {
	if dscp <= 0 {
		return nil
	}
	tos := dscp << 2

	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			switch network {
			case "tcp6":
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
			default:
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
			}
		})
		if err == nil {
			err = sockErr
		}
		if err != nil {
			logger.Debug("Не удалось установить DSCP",
				slog.Int("dscp", dscp),
				slog.String("network", network),
				slog.Any("error", err))
		}
		return nil
	}
}
