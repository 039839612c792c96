package transport

import (
	"github.com/emiago/sipgo/sip"
)

// Handler обрабатывает события одного соединения.
//
// HandleMessage вызывается последовательно из единственной горутины чтения
// соединения. HandleConnectionLost вызывается не более одного раза, когда
// соединение закрыто из-за ошибки ввода-вывода или разбора потока, но не
// при локальном Close.
type Handler interface {
	HandleMessage(conn *Connection, msg sip.Message)
	HandleConnectionLost(conn *Connection, err error)
}

// HandlerFactory создает обработчик для нового соединения
type HandlerFactory func(conn *Connection) Handler

// Stats статистика транспорта
type Stats struct {
	MessagesReceived  uint64
	MessagesSent      uint64
	BytesReceived     uint64
	BytesSent         uint64
	KeepAlivesSent    uint64
	ParseErrors       uint64
	Errors            uint64
	ActiveConnections int
}
