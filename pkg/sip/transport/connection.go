package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Connection потоковое соединение с удаленной стороной.
//
// Запись выполняет единственная горутина, читающая очередь исходящих
// сообщений; keep-alive отправляется той же горутиной и никогда не
// вклинивается внутрь сообщения. Чтение выполняет единственная горутина,
// передающая разобранные сообщения в Handler.
type Connection struct {
	id        string
	conn      net.Conn
	transport *TCPTransport
	handler   Handler
	keepAlive DelayCalculator
	logger    *slog.Logger

	queue chan []byte
	done  chan struct{}

	lastWrite atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(t *TCPTransport, netConn net.Conn) *Connection {
	c := &Connection{
		id:        generateConnectionID(),
		conn:      netConn,
		transport: t,
		keepAlive: t.cfg.KeepAlive,
		queue:     make(chan []byte, t.cfg.SendQueueSize),
		done:      make(chan struct{}),
	}
	c.logger = t.logger.With(
		slog.String("conn", c.id),
		slog.String("remote", netConn.RemoteAddr().String()))
	c.lastWrite.Store(time.Now().UnixNano())
	return c
}

func (c *Connection) start(h Handler) {
	c.handler = h
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Connection) Transport() string    { return "tcp" }
func (c *Connection) IsClosed() bool       { return c.closed.Load() }

// Done закрывается при закрытии соединения
func (c *Connection) Done() <-chan struct{} { return c.done }

// LastWrite время последней успешной записи
func (c *Connection) LastWrite() time.Time {
	return time.Unix(0, c.lastWrite.Load())
}

// Send ставит сообщение в очередь записи. Не блокируется: при заполненной
// очереди возвращает ErrBufferFull.
func (c *Connection) Send(msg sip.Message) error {
	if msg == nil {
		return fmt.Errorf("send: nil message")
	}
	return c.enqueue([]byte(msg.String()))
}

func (c *Connection) enqueue(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.queue <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close закрывает соединение без вызова HandleConnectionLost. Идемпотентен.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.shutdown()
	})
	return err
}

// Wait ждет завершения горутин чтения и записи
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) shutdown() error {
	c.closed.Store(true)
	close(c.done)
	err := c.conn.Close()
	c.transport.removeConnection(c)
	return err
}

// fail закрывает соединение после ошибки и один раз сообщает о потере
func (c *Connection) fail(err error) {
	lost := false
	c.closeOnce.Do(func() {
		lost = true
		_ = c.shutdown()
	})
	if !lost {
		return
	}

	c.transport.stats.errors.Add(1)
	c.logger.Warn("Соединение потеряно", slog.Any("error", err))
	if c.handler != nil {
		c.handler.HandleConnectionLost(c, err)
	}
}

func (c *Connection) write(data []byte) error {
	if c.transport.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.transport.cfg.WriteTimeout))
	}
	n, err := c.conn.Write(data)
	if err != nil {
		return &TransportError{Transport: "tcp", Operation: "write", Err: err}
	}
	c.lastWrite.Store(time.Now().UnixNano())
	c.transport.stats.bytesSent.Add(uint64(n))
	return nil
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	var timerC <-chan time.Time
	var timer *time.Timer
	if c.keepAlive != nil {
		if d := c.keepAlive.NextDelay(c); d > 0 {
			timer = time.NewTimer(d)
			timerC = timer.C
			defer timer.Stop()
		}
	}

	for {
		select {
		case <-c.done:
			return

		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.fail(err)
				return
			}
			c.transport.stats.messagesSent.Add(1)

		case <-timerC:
			delay := c.keepAlive.NextDelay(c)
			if delay <= 0 {
				timerC = nil
				continue
			}
			send, next := nextKeepAlive(delay, time.Since(c.LastWrite()))
			if send {
				if err := c.write(keepAlivePing); err != nil {
					c.fail(err)
					return
				}
				c.transport.stats.keepAlivesSent.Add(1)
				c.logger.Debug("Отправлен CRLF keep-alive")
			}
			timer.Reset(next)
		}
	}
}

func (c *Connection) readLoop() {
	defer c.wg.Done()

	reader := bufio.NewReader(c.conn)
	parser := sip.NewParser()

	for {
		data, err := ReadMessage(reader, c.transport.cfg.MaxMessageSize)
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = &TransportError{Transport: "tcp", Operation: "read", Err: io.EOF}
			}
			c.fail(err)
			return
		}

		c.transport.stats.messagesReceived.Add(1)
		c.transport.stats.bytesReceived.Add(uint64(len(data)))

		msg, err := parser.ParseSIP(data)
		if err != nil {
			c.transport.stats.parseErrors.Add(1)
			c.logger.Warn("Не удалось разобрать SIP сообщение", slog.Any("error", err))
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg sip.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Паника в обработчике сообщения", slog.Any("panic", r))
		}
	}()
	c.handler.HandleMessage(c, msg)
}

var connectionIDCounter atomic.Uint64

func generateConnectionID() string {
	return fmt.Sprintf("conn-%d-%d", time.Now().Unix(), connectionIDCounter.Add(1))
}
