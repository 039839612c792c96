package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

type counters struct {
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	bytesReceived    atomic.Uint64
	bytesSent        atomic.Uint64
	keepAlivesSent   atomic.Uint64
	parseErrors      atomic.Uint64
	errors           atomic.Uint64
}

// TCPTransport SIP поверх TCP: исходящие соединения к прокси и
// необязательный слушатель входящих соединений.
type TCPTransport struct {
	cfg    Config
	logger *slog.Logger

	connections *connectionPool
	stats       counters

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewTCPTransport создает TCP транспорт
func NewTCPTransport(cfg Config) *TCPTransport {
	cfg = cfg.withDefaults()
	return &TCPTransport{
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "transport")),
		connections: newConnectionPool(),
	}
}

// Open устанавливает соединение с addr и запускает его циклы чтения и
// записи. Ошибка установления возвращается как *ConnectError.
func (t *TCPTransport) Open(ctx context.Context, addr string, newHandler HandlerFactory) (*Connection, error) {
	if t.closed.Load() {
		return nil, &ConnectError{Op: "dial", Addr: addr, Err: ErrTransportClosed}
	}

	dialer := net.Dialer{
		Timeout: t.cfg.DialTimeout,
		Control: dialControl(t.cfg.DSCP, t.logger),
	}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.stats.errors.Add(1)
		return nil, &ConnectError{Op: "dial", Addr: addr, Err: err}
	}

	conn, err := t.attach(netConn, newHandler)
	if err != nil {
		return nil, &ConnectError{Op: "dial", Addr: addr, Err: err}
	}

	t.logger.Info("Соединение установлено",
		slog.String("conn", conn.ID()),
		slog.String("local", netConn.LocalAddr().String()),
		slog.String("remote", addr))
	return conn, nil
}

// Listen начинает принимать входящие соединения на addr
func (t *TCPTransport) Listen(addr string, newHandler HandlerFactory) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return fmt.Errorf("already listening on %s", t.listener.Addr())
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return &TransportError{Transport: "tcp", Operation: "listen", Err: err}
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop(listener, newHandler)

	t.logger.Info("Ожидание входящих соединений", slog.String("addr", listener.Addr().String()))
	return nil
}

// LocalAddr адрес слушателя или nil
func (t *TCPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Send отправляет сообщение через открытое соединение
func (t *TCPTransport) Send(conn *Connection, msg sip.Message) error {
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}
	return conn.Send(msg)
}

// SendTo отправляет сообщение через открытое соединение к addr
func (t *TCPTransport) SendTo(addr string, msg sip.Message) error {
	conn, ok := t.connections.GetByRemoteAddr(addr)
	if !ok {
		return &TransportError{Transport: "tcp", Operation: "send", Err: fmt.Errorf("no connection to %s", addr)}
	}
	return conn.Send(msg)
}

// Connection ищет открытое соединение по идентификатору
func (t *TCPTransport) Connection(id string) (*Connection, bool) {
	return t.connections.GetByID(id)
}

// Close закрывает слушатель и все соединения и ждет их горутины.
// Нельзя вызывать из Handler.
func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Unlock()

	conns := t.connections.GetAll()
	for _, conn := range conns {
		conn.Close()
	}
	for _, conn := range conns {
		conn.Wait()
	}

	t.wg.Wait()
	return nil
}

// Stats снимок статистики
func (t *TCPTransport) Stats() Stats {
	return Stats{
		MessagesReceived:  t.stats.messagesReceived.Load(),
		MessagesSent:      t.stats.messagesSent.Load(),
		BytesReceived:     t.stats.bytesReceived.Load(),
		BytesSent:         t.stats.bytesSent.Load(),
		KeepAlivesSent:    t.stats.keepAlivesSent.Load(),
		ParseErrors:       t.stats.parseErrors.Load(),
		Errors:            t.stats.errors.Load(),
		ActiveConnections: t.connections.Len(),
	}
}

func (t *TCPTransport) attach(netConn net.Conn, newHandler HandlerFactory) (*Connection, error) {
	conn := newConnection(t, netConn)

	var h Handler
	if newHandler != nil {
		h = newHandler(conn)
	}
	if h == nil {
		netConn.Close()
		return nil, ErrNoHandler
	}

	t.connections.Add(conn)
	if t.closed.Load() {
		conn.Close()
		return nil, ErrTransportClosed
	}
	conn.start(h)
	return conn, nil
}

func (t *TCPTransport) removeConnection(conn *Connection) {
	t.connections.Remove(conn.ID())
}

func (t *TCPTransport) acceptLoop(listener net.Listener, newHandler HandlerFactory) {
	defer t.wg.Done()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.stats.errors.Add(1)
			t.logger.Warn("Ошибка приема соединения", slog.Any("error", err))
			continue
		}

		conn, err := t.attach(netConn, newHandler)
		if err != nil {
			t.logger.Warn("Входящее соединение отклонено", slog.Any("error", err))
			continue
		}
		t.logger.Debug("Принято входящее соединение",
			slog.String("conn", conn.ID()),
			slog.String("remote", conn.RemoteAddr().String()))
	}
}
