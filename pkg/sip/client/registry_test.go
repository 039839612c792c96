package client

import (
	"testing"

	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUnconnectedClient(t *testing.T, user string) *Client {
	t.Helper()
	cfg := testConfig(message.MustParseURI("sip:127.0.0.1:8472;transport=tcp"))
	cfg.Self = message.UserURI(user, "lastbamboo.org")
	c, err := New(cfg, &fakeFactory{}, newSocketRecorder())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newUnconnectedClient(t, "48392")
	b := newUnconnectedClient(t, "42798")

	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(message.UserURI("48392", "lastbamboo.org"))
	require.True(t, ok)
	assert.Same(t, a, got)

	// идентичность сравнивается без параметров и порта
	got, ok = r.Get(message.MustParseURI("sip:42798@lastbamboo.org:5080;transport=tcp"))
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.Get(message.UserURI("1", "lastbamboo.org"))
	assert.False(t, ok)

	// замененный клиент не удаляет нового владельца идентичности
	a2 := newUnconnectedClient(t, "48392")
	r.Add(a2)
	r.Remove(a)
	got, ok = r.Get(a.Self())
	require.True(t, ok)
	assert.Same(t, a2, got)

	r.Remove(a2)
	r.Remove(b)
	assert.Zero(t, r.Len())
}
