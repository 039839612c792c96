package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	msgs      chan sip.Message
	lost      chan error
	lostCalls atomic.Int32
}

func newTestHandler() *testHandler {
	return &testHandler{
		msgs: make(chan sip.Message, 16),
		lost: make(chan error, 4),
	}
}

func (h *testHandler) HandleMessage(conn *Connection, msg sip.Message) {
	h.msgs <- msg
}

func (h *testHandler) HandleConnectionLost(conn *Connection, err error) {
	h.lostCalls.Add(1)
	h.lost <- err
}

func (h *testHandler) factory() HandlerFactory {
	return func(*Connection) Handler { return h }
}

// startPeer поднимает TCP сервер и возвращает первое принятое соединение
func startPeer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()
	return ln.Addr().String(), accepted
}

func waitConn(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-ch:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("сервер не принял соединение")
		return nil
	}
}

func testTransportConfig() Config {
	cfg := DefaultConfig()
	cfg.KeepAlive = nil
	return cfg
}

func newRegister() *sip.Request {
	b := message.NewBuilder(
		message.UserURI("48392", "lastbamboo.org"),
		message.MustParseURI("sip:127.0.0.1:8472;transport=tcp"),
		"test",
	)
	req := b.Register(time.Hour)
	req.Via().Params = req.Via().Params.Add("branch", message.GenerateBranch())
	return req
}

func TestTCPTransport_OpenAndSend(t *testing.T) {
	addr, accepted := startPeer(t)
	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	h := newTestHandler()
	conn, err := tr.Open(context.Background(), addr, h.factory())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID())
	assert.True(t, strings.HasPrefix(conn.ID(), "conn-"))
	assert.Equal(t, "tcp", conn.Transport())
	assert.Equal(t, addr, conn.RemoteAddr().String())

	peer := waitConn(t, accepted)
	req := newRegister()
	require.NoError(t, tr.Send(conn, req))

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := ReadMessage(bufio.NewReader(peer), 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "REGISTER sip:127.0.0.1:8472"))

	parsed, err := sip.NewParser().ParseSIP(data)
	require.NoError(t, err)
	assert.Equal(t, message.Branch(req), message.Branch(parsed))

	assert.Eventually(t, func() bool { return tr.Stats().MessagesSent == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tr.Stats().ActiveConnections)

	same, ok := tr.Connection(conn.ID())
	require.True(t, ok)
	assert.Same(t, conn, same)
	require.NoError(t, tr.SendTo(addr, req))
}

func TestTCPTransport_OpenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	_, err = tr.Open(context.Background(), addr, newTestHandler().factory())
	require.Error(t, err)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dial", ce.Op)
	assert.Equal(t, addr, ce.Addr)
}

func TestTCPTransport_ReceiveDispatchesMessages(t *testing.T) {
	addr, accepted := startPeer(t)
	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	h := newTestHandler()
	_, err := tr.Open(context.Background(), addr, h.factory())
	require.NoError(t, err)
	peer := waitConn(t, accepted)

	req := newRegister()
	res := message.NewResponse(req, 200, "OK", nil, "")

	// keep-alive, мусор и корректный ответ
	_, err = peer.Write([]byte("\r\n\r\n"))
	require.NoError(t, err)
	_, err = peer.Write([]byte("GARBAGE\r\n\r\n"))
	require.NoError(t, err)
	_, err = peer.Write([]byte(res.String()))
	require.NoError(t, err)

	select {
	case msg := <-h.msgs:
		got, ok := msg.(*sip.Response)
		require.True(t, ok, "ожидался ответ, получено %T", msg)
		assert.Equal(t, 200, got.StatusCode)
		assert.Equal(t, message.Branch(req), message.Branch(got))
	case <-time.After(2 * time.Second):
		t.Fatal("сообщение не доставлено")
	}

	assert.Equal(t, uint64(1), tr.Stats().ParseErrors)
	assert.Zero(t, h.lostCalls.Load())
}

func TestTCPTransport_BadContentLengthKeepsConnection(t *testing.T) {
	addr, accepted := startPeer(t)
	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	h := newTestHandler()
	conn, err := tr.Open(context.Background(), addr, h.factory())
	require.NoError(t, err)
	peer := waitConn(t, accepted)

	req := newRegister()
	res := message.NewResponse(req, 200, "OK", nil, "")

	_, err = peer.Write([]byte("GARBAGE\r\nContent-Length: abc\r\n\r\n"))
	require.NoError(t, err)
	_, err = peer.Write([]byte(res.String()))
	require.NoError(t, err)

	select {
	case msg := <-h.msgs:
		got, ok := msg.(*sip.Response)
		require.True(t, ok, "ожидался ответ, получено %T", msg)
		assert.Equal(t, message.Branch(req), message.Branch(got))
	case <-time.After(2 * time.Second):
		t.Fatal("сообщение после некорректного кадра не доставлено")
	}

	assert.False(t, conn.IsClosed())
	assert.Zero(t, h.lostCalls.Load())
	assert.Equal(t, uint64(1), tr.Stats().ParseErrors)
}

func TestTCPTransport_ConnectionLostReportedOnce(t *testing.T) {
	addr, accepted := startPeer(t)
	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	h := newTestHandler()
	conn, err := tr.Open(context.Background(), addr, h.factory())
	require.NoError(t, err)

	peer := waitConn(t, accepted)
	peer.Close()

	select {
	case err := <-h.lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("потеря соединения не обнаружена")
	}

	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.Send(newRegister()), ErrConnectionClosed)
	conn.Wait()
	assert.Equal(t, int32(1), h.lostCalls.Load())
	assert.Zero(t, tr.Stats().ActiveConnections)
}

func TestTCPTransport_LocalCloseIsSilent(t *testing.T) {
	addr, accepted := startPeer(t)
	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	h := newTestHandler()
	conn, err := tr.Open(context.Background(), addr, h.factory())
	require.NoError(t, err)
	waitConn(t, accepted)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	conn.Wait()

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done не закрыт")
	}
	assert.Zero(t, h.lostCalls.Load())
}

func TestConnection_SendQueueFull(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cfg := testTransportConfig()
	cfg.SendQueueSize = 1
	tr := NewTCPTransport(cfg)

	// без запуска горутины записи очередь не разбирается
	conn := newConnection(tr, client)
	require.NoError(t, conn.Send(newRegister()))
	assert.ErrorIs(t, conn.Send(newRegister()), ErrBufferFull)
	assert.Error(t, conn.Send(nil))
}

func TestTCPTransport_KeepAliveAfterIdle(t *testing.T) {
	addr, accepted := startPeer(t)
	cfg := testTransportConfig()
	cfg.KeepAlive = FixedDelay(50 * time.Millisecond)
	tr := NewTCPTransport(cfg)
	defer tr.Close()

	_, err := tr.Open(context.Background(), addr, newTestHandler().factory())
	require.NoError(t, err)
	peer := waitConn(t, accepted)

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "\r\n\r\n", string(buf))
	assert.Eventually(t, func() bool { return tr.Stats().KeepAlivesSent >= 1 }, time.Second, 10*time.Millisecond)
}

// schedulerSlack погрешность доставки по loopback и планировщика
const schedulerSlack = 15 * time.Millisecond

func TestTCPTransport_KeepAliveNeverBeforeDelay(t *testing.T) {
	const delay = 100 * time.Millisecond
	addr, accepted := startPeer(t)
	cfg := testTransportConfig()
	cfg.KeepAlive = FixedDelay(delay)
	tr := NewTCPTransport(cfg)
	defer tr.Close()

	conn, err := tr.Open(context.Background(), addr, newTestHandler().factory())
	require.NoError(t, err)
	peer := waitConn(t, accepted)
	_ = peer.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(peer)

	// запись посреди интервала сдвигает первый keep-alive
	time.Sleep(delay / 2)
	require.NoError(t, conn.Send(newRegister()))
	_, err = ReadMessage(reader, 0)
	require.NoError(t, err)
	sent := conn.LastWrite()
	assert.Zero(t, tr.Stats().KeepAlivesSent)

	var arrivals []time.Time
	buf := make([]byte, len(keepAlivePing))
	for i := 0; i < 3; i++ {
		_, err := io.ReadFull(reader, buf)
		require.NoError(t, err)
		require.Equal(t, string(keepAlivePing), string(buf))
		arrivals = append(arrivals, time.Now())
	}

	assert.GreaterOrEqual(t, arrivals[0].Sub(sent), delay)
	for i := 1; i < len(arrivals); i++ {
		assert.GreaterOrEqual(t, arrivals[i].Sub(arrivals[i-1]), delay-schedulerSlack,
			"keep-alive %d пришел раньше интервала", i)
	}
}

// brokenWriteConn соединение, в которое нельзя писать; чтение
// блокируется до закрытия
type brokenWriteConn struct {
	net.Conn
}

func (c brokenWriteConn) Write([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestConnection_KeepAliveWriteFailureReportsLostOnce(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	cfg := testTransportConfig()
	cfg.KeepAlive = FixedDelay(20 * time.Millisecond)
	tr := NewTCPTransport(cfg)
	defer tr.Close()

	h := newTestHandler()
	conn := newConnection(tr, brokenWriteConn{Conn: local})
	conn.start(h)

	select {
	case err := <-h.lost:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(2 * time.Second):
		t.Fatal("ошибка записи keep-alive не привела к потере соединения")
	}

	conn.Wait()
	assert.True(t, conn.IsClosed())
	assert.Equal(t, int32(1), h.lostCalls.Load())
	assert.Zero(t, tr.Stats().KeepAlivesSent)
}

func TestTCPTransport_NoKeepAliveWhileBusy(t *testing.T) {
	addr, accepted := startPeer(t)
	cfg := testTransportConfig()
	cfg.KeepAlive = FixedDelay(150 * time.Millisecond)
	tr := NewTCPTransport(cfg)
	defer tr.Close()

	conn, err := tr.Open(context.Background(), addr, newTestHandler().factory())
	require.NoError(t, err)
	peer := waitConn(t, accepted)

	go func() {
		r := bufio.NewReader(peer)
		for {
			if _, err := ReadMessage(r, 0); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(400 * time.Millisecond)
loop:
	for {
		select {
		case <-ticker.C:
			require.NoError(t, conn.Send(newRegister()))
		case <-deadline:
			break loop
		}
	}

	assert.Zero(t, tr.Stats().KeepAlivesSent)
}

func TestTCPTransport_Listen(t *testing.T) {
	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	h := newTestHandler()
	require.NoError(t, tr.Listen("127.0.0.1:0", h.factory()))
	require.NotNil(t, tr.LocalAddr())
	assert.Error(t, tr.Listen("127.0.0.1:0", h.factory()))

	c, err := net.Dial("tcp", tr.LocalAddr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte(newRegister().String()))
	require.NoError(t, err)

	select {
	case msg := <-h.msgs:
		req, ok := msg.(*sip.Request)
		require.True(t, ok)
		assert.Equal(t, sip.REGISTER, req.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("запрос не доставлен")
	}
}

func TestTCPTransport_Close(t *testing.T) {
	addr, accepted := startPeer(t)
	tr := NewTCPTransport(testTransportConfig())

	h := newTestHandler()
	conn, err := tr.Open(context.Background(), addr, h.factory())
	require.NoError(t, err)
	waitConn(t, accepted)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, conn.IsClosed())
	assert.Zero(t, h.lostCalls.Load())

	_, err = tr.Open(context.Background(), addr, h.factory())
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestTCPTransport_NilHandlerRejected(t *testing.T) {
	addr, _ := startPeer(t)
	tr := NewTCPTransport(testTransportConfig())
	defer tr.Close()

	_, err := tr.Open(context.Background(), addr, func(*Connection) Handler { return nil })
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SendQueueSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DSCP = 64
	assert.Error(t, cfg.Validate())
}
