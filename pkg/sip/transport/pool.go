package transport

import (
	"sync"
)

// connectionPool открытые соединения транспорта по идентификатору.
// Соединения к прокси единичны, поэтому поиск по адресу линейный.
type connectionPool struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	order []string
}

func newConnectionPool() *connectionPool {
	return &connectionPool{conns: make(map[string]*Connection)}
}

func (p *connectionPool) Add(conn *Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn.ID()]; ok {
		return
	}
	p.conns[conn.ID()] = conn
	p.order = append(p.order, conn.ID())
}

func (p *connectionPool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[id]; !ok {
		return
	}
	delete(p.conns, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *connectionPool) GetByID(id string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[id]
	return conn, ok
}

// GetByRemoteAddr самое новое открытое соединение к addr
func (p *connectionPool) GetByRemoteAddr(addr string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := len(p.order) - 1; i >= 0; i-- {
		conn := p.conns[p.order[i]]
		if !conn.IsClosed() && conn.RemoteAddr().String() == addr {
			return conn, true
		}
	}
	return nil, false
}

// GetAll соединения в порядке добавления
func (p *connectionPool) GetAll() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.conns[id])
	}
	return out
}

func (p *connectionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
