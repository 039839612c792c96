package transaction

import "time"

type createOptions struct {
	timeout    time.Duration
	connID     string
	attachment any
}

// Option настраивает создаваемую транзакцию
type Option func(*createOptions)

// WithTimeout переопределяет таймаут трекера для одной транзакции
func WithTimeout(d time.Duration) Option {
	return func(o *createOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithConnection привязывает транзакцию к соединению.
// При потере соединения такие транзакции завершаются с ErrConnectionLost.
func WithConnection(id string) Option {
	return func(o *createOptions) {
		o.connID = id
	}
}

// WithAttachment сохраняет произвольные данные вызывающего в транзакции
func WithAttachment(v any) Option {
	return func(o *createOptions) {
		o.attachment = v
	}
}
