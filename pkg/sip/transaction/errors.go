package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when a request cannot be tracked
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTimeout is returned when no final response arrived in time
	ErrTimeout = errors.New("transaction timeout")

	// ErrConnectionLost is returned when the owning connection was lost
	ErrConnectionLost = errors.New("connection lost")

	// ErrCanceled is returned when the transaction was canceled locally
	ErrCanceled = errors.New("transaction canceled")

	// ErrClosed is returned when the tracker is closed
	ErrClosed = errors.New("tracker closed")
)

// StatusError финальный ответ с кодом 3xx-6xx
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request failed with status %d", e.Code)
	}
	return fmt.Sprintf("request failed with status %d %s", e.Code, e.Reason)
}

// StatusCode возвращает код ответа из цепочки ошибок или 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
