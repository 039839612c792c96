package client

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Registry индекс зарегистрированных клиентов процесса по идентичности.
// Клиент добавляется после успешной регистрации и удаляется при Close.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func identityKey(uri sip.Uri) string {
	return uri.User + "@" + uri.Host
}

// Add регистрирует клиент. Клиент с той же идентичностью заменяется.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[identityKey(c.Self())] = c
}

// Remove удаляет клиент, если он все еще зарегистрирован под своей идентичностью
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := identityKey(c.Self())
	if r.clients[key] == c {
		delete(r.clients, key)
	}
}

// Get ищет клиент по идентичности
func (r *Registry) Get(uri sip.Uri) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[identityKey(uri)]
	return c, ok
}

// Len число клиентов
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
