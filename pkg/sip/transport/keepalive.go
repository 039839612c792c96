package transport

import (
	"math/rand/v2"
	"time"
)

// DefaultKeepAliveInterval интервал CRLF keep-alive по умолчанию
const DefaultKeepAliveInterval = 30 * time.Second

var keepAlivePing = []byte("\r\n\r\n")

// DelayCalculator определяет, сколько соединение может простаивать до
// отправки keep-alive. Вызывается из горутины записи соединения.
type DelayCalculator interface {
	NextDelay(conn *Connection) time.Duration
}

// DelayFunc адаптер функции к DelayCalculator
type DelayFunc func(conn *Connection) time.Duration

func (f DelayFunc) NextDelay(conn *Connection) time.Duration { return f(conn) }

// FixedDelay постоянный интервал простоя
type FixedDelay time.Duration

func (d FixedDelay) NextDelay(*Connection) time.Duration { return time.Duration(d) }

// JitterDelay интервал Base минус случайная доля до Jitter (0..1).
// Разброс не дает клиентам за одним NAT пинговать синхронно (RFC 5626 4.4.1).
type JitterDelay struct {
	Base   time.Duration
	Jitter float64
}

// NewJitterDelay интервал base с разбросом 20%
func NewJitterDelay(base time.Duration) JitterDelay {
	return JitterDelay{Base: base, Jitter: 0.2}
}

func (d JitterDelay) NextDelay(*Connection) time.Duration {
	j := d.Jitter
	if j <= 0 {
		return d.Base
	}
	if j > 1 {
		j = 1
	}
	return d.Base - time.Duration(rand.Float64()*j*float64(d.Base))
}

// nextKeepAlive решает, пора ли слать keep-alive. Возвращает признак отправки
// и задержку до следующей проверки.
func nextKeepAlive(delay, idle time.Duration) (send bool, next time.Duration) {
	if idle >= delay {
		return true, delay
	}
	return false, delay - idle
}
