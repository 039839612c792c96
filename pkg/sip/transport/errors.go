package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when operation is attempted on closed transport
	ErrTransportClosed = errors.New("transport closed")

	// ErrConnectionClosed is returned when sending on a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBufferFull is returned when send queue is full
	ErrBufferFull = errors.New("send buffer full")

	// ErrMessageTooLarge is returned when message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrNoHandler is returned when handler factory returned nil
	ErrNoHandler = errors.New("no message handler")
)

// ConnectError ошибка установления соединения с прокси
type ConnectError struct {
	Op   string // "resolve", "dial"
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransportError ошибка транспорта
type TransportError struct {
	Transport string
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return e.Transport + " " + e.Operation + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
