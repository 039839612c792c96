package offeranswer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionResult struct {
	session Session
	err     error
}

func resultListener(ch chan<- sessionResult) Listener {
	return ListenerFuncs{
		Complete: func(s Session) { ch <- sessionResult{session: s} },
		Failed:   func(s Session, err error) { ch <- sessionResult{session: s, err: err} },
	}
}

func TestDirectFactory_OfferAnswer(t *testing.T) {
	factory := NewDirectFactory("127.0.0.1")
	results := make(chan sessionResult, 2)

	offerer, err := factory.CreateOfferer(resultListener(results), DefaultMediaStreamDesc())
	require.NoError(t, err)
	defer offerer.Close()

	answerer, err := factory.CreateAnswerer(resultListener(results), false)
	require.NoError(t, err)
	defer answerer.Close()

	assert.NotEqual(t, offerer.ID(), answerer.ID())
	assert.Nil(t, offerer.Socket())

	offer, err := offerer.Offer()
	require.NoError(t, err)

	answer, err := answerer.ProcessOffer(offer)
	require.NoError(t, err)
	require.NoError(t, offerer.ProcessAnswer(answer))

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			require.NotNil(t, r.session.Socket())
		case <-time.After(time.Second):
			t.Fatal("согласование не завершилось")
		}
	}

	a, b := offerer.Socket(), answerer.Socket()
	assert.Equal(t, b.LocalAddr().String(), a.RemoteAddr().String())

	_, err = a.Write([]byte("ping"))
	require.NoError(t, err)

	_ = b.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestDirectFactory_BadAnswer(t *testing.T) {
	factory := NewDirectFactory("127.0.0.1")
	results := make(chan sessionResult, 1)

	offerer, err := factory.CreateOfferer(resultListener(results), DefaultMediaStreamDesc())
	require.NoError(t, err)
	defer offerer.Close()

	err = offerer.ProcessAnswer([]byte("garbage"))
	assert.ErrorIs(t, err, ErrConnect)

	r := <-results
	assert.ErrorIs(t, r.err, ErrConnect)
	assert.Nil(t, offerer.Socket())
}

func TestDirectFactory_WrongRole(t *testing.T) {
	factory := NewDirectFactory("127.0.0.1")

	offerer, err := factory.CreateOfferer(nil, DefaultMediaStreamDesc())
	require.NoError(t, err)
	defer offerer.Close()
	_, err = offerer.ProcessOffer(nil)
	assert.Error(t, err)

	answerer, err := factory.CreateAnswerer(nil, true)
	require.NoError(t, err)
	defer answerer.Close()
	assert.Error(t, answerer.ProcessAnswer(nil))
}

func TestDirectSession_Close(t *testing.T) {
	factory := NewDirectFactory("127.0.0.1")
	s, err := factory.CreateOfferer(nil, DefaultMediaStreamDesc())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Offer()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestUDPSocket_DropsForeignPackets(t *testing.T) {
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer local.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	stranger, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stranger.Close()

	sock := &udpSocket{UDPConn: local, remote: peer.LocalAddr().(*net.UDPAddr)}

	_, err = stranger.WriteToUDP([]byte("noise"), local.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	_, err = peer.WriteToUDP([]byte("hello"), local.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	_ = sock.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := sock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}
