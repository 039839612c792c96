// Package siptest содержит TCP прокси для тестов SIP клиента.
package siptest

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/arzzra/sipoffer/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
)

// HandlerFunc формирует ответ прокси на запрос клиента. nil означает,
// что прокси промолчит.
type HandlerFunc func(req *sip.Request) *sip.Response

// Reply отвечает кодом code на все запросы, кроме ACK
func Reply(code int, reason string) HandlerFunc {
	return func(req *sip.Request) *sip.Response {
		if req.Method == sip.ACK {
			return nil
		}
		return message.NewResponse(req, code, reason, nil, "")
	}
}

// OK отвечает 200 OK на все запросы, кроме ACK
func OK() HandlerFunc {
	return Reply(200, "OK")
}

// Silent никогда не отвечает
func Silent() HandlerFunc {
	return func(*sip.Request) *sip.Response { return nil }
}

// Proxy TCP сервер, записывающий запросы клиента и отвечающий на них
// через HandlerFunc. Ответы клиента на запросы прокси собираются отдельно.
type Proxy struct {
	tb       testing.TB
	listener net.Listener

	mu        sync.Mutex
	handler   HandlerFunc
	conns     []*proxyConn
	accepted  int
	requests  []*sip.Request
	responses []*sip.Response
	closed    bool

	wg sync.WaitGroup
}

type proxyConn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *proxyConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Conn.Write(data)
	return err
}

// NewProxy запускает прокси на 127.0.0.1 со случайным портом. По умолчанию
// прокси отвечает 200 OK. Прокси закрывается по окончании теста.
func NewProxy(tb testing.TB) *Proxy {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("siptest: listen: %v", err)
	}
	p := &Proxy{tb: tb, listener: ln, handler: OK()}
	p.wg.Add(1)
	go p.acceptLoop()
	tb.Cleanup(p.Close)
	return p
}

// Addr адрес прокси host:port
func (p *Proxy) Addr() string {
	return p.listener.Addr().String()
}

// URI адрес прокси в виде sip:host:port;transport=tcp
func (p *Proxy) URI() sip.Uri {
	return message.MustParseURI(fmt.Sprintf("sip:%s;transport=tcp", p.Addr()))
}

// SetHandler заменяет обработчик запросов
func (p *Proxy) SetHandler(h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Requests запросы клиента с методом method в порядке получения.
// Пустой method возвращает все запросы.
func (p *Proxy) Requests(method sip.RequestMethod) []*sip.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*sip.Request
	for _, req := range p.requests {
		if method == "" || req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// Responses ответы клиента на запросы прокси
func (p *Proxy) Responses() []*sip.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sip.Response(nil), p.responses...)
}

// Accepted число принятых соединений за все время
func (p *Proxy) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// WaitRequests ждет, пока прокси получит не менее n запросов method
func (p *Proxy) WaitRequests(method sip.RequestMethod, n int, timeout time.Duration) []*sip.Request {
	p.tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		reqs := p.Requests(method)
		if len(reqs) >= n {
			return reqs
		}
		if time.Now().After(deadline) {
			p.tb.Fatalf("siptest: получено %d запросов %s из %d", len(reqs), method, n)
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Send отправляет сообщение в последнее принятое соединение
func (p *Proxy) Send(msg sip.Message) error {
	return p.Write([]byte(msg.String()))
}

// Write пишет байты в последнее принятое соединение
func (p *Proxy) Write(data []byte) error {
	p.mu.Lock()
	var conn *proxyConn
	if n := len(p.conns); n > 0 {
		conn = p.conns[n-1]
	}
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("siptest: no connection")
	}
	return conn.write(data)
}

// DropConnections закрывает все открытые соединения, не останавливая прокси
func (p *Proxy) DropConnections() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close останавливает прокси
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.listener.Close()
	p.DropConnections()
	p.wg.Wait()
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		c, err := p.listener.Accept()
		if err != nil {
			return
		}
		conn := &proxyConn{Conn: c}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.Close()
			return
		}
		p.conns = append(p.conns, conn)
		p.accepted++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.serve(conn)
	}
}

func (p *Proxy) serve(conn *proxyConn) {
	defer p.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	parser := sip.NewParser()
	for {
		data, err := transport.ReadMessage(reader, 0)
		if err != nil {
			return
		}
		msg, err := parser.ParseSIP(data)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case *sip.Response:
			p.mu.Lock()
			p.responses = append(p.responses, m)
			p.mu.Unlock()

		case *sip.Request:
			p.mu.Lock()
			p.requests = append(p.requests, m)
			handler := p.handler
			p.mu.Unlock()

			if handler == nil {
				continue
			}
			if res := handler(m); res != nil {
				if err := conn.write([]byte(res.String())); err != nil {
					return
				}
			}
		}
	}
}
