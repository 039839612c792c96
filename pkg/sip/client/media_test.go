package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arzzra/sipoffer/pkg/offeranswer"
	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/arzzra/sipoffer/pkg/sip/siptest"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDirectClient клиент с DirectFactory, зарегистрированный на proxy.
// Согласованные сокеты приходят в возвращаемый канал.
func newDirectClient(t *testing.T, proxy *siptest.Proxy) (*Client, <-chan net.Conn) {
	t.Helper()
	sockets := make(chan net.Conn, 4)
	listener := offeranswer.SocketListenerFuncs{
		Socket: func(_ string, sock net.Conn) { sockets <- sock },
	}

	c, err := New(testConfig(proxy.URI()), offeranswer.NewDirectFactory("127.0.0.1"), listener)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Register(ctx))
	return c, sockets
}

func waitSocket(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case sock := <-ch:
		t.Cleanup(func() { sock.Close() })
		return sock
	case <-time.After(3 * time.Second):
		t.Fatal("сокет не согласован")
		return nil
	}
}

// exchange отправляет датаграмму from -> to и обратно
func exchange(t *testing.T, from, to net.Conn) {
	t.Helper()
	buf := make([]byte, 64)

	_, err := from.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, to.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := to.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = to.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, from.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = from.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestClient_OfferMediaReachesOffererSocket(t *testing.T) {
	proxy := siptest.NewProxy(t)
	c, sockets := newDirectClient(t, proxy)

	peerSockets := make(chan net.Conn, 1)
	peer := offeranswer.NewDirectFactory("127.0.0.1")
	proxy.SetHandler(func(req *sip.Request) *sip.Response {
		if req.Method != sip.INVITE {
			return nil
		}
		session, err := peer.CreateAnswerer(offeranswer.ListenerFuncs{
			Complete: func(s offeranswer.Session) { peerSockets <- s.Socket() },
		}, false)
		if err != nil {
			return message.NewResponse(req, 500, "Server Error", nil, "")
		}
		t.Cleanup(func() { session.Close() })
		answer, err := session.ProcessOffer(req.Body())
		if err != nil {
			return message.NewResponse(req, 488, "Not Acceptable Here", nil, "")
		}
		return message.NewResponse(req, 200, "OK", answer, message.ContentTypeSDP)
	})

	rec := newTxRecorder(1)
	_, err := c.Offer(peerURI(proxy), nil, rec, offeranswer.DefaultMediaStreamDesc())
	require.NoError(t, err)

	select {
	case <-rec.succeeded:
	case o := <-rec.failed:
		t.Fatalf("offer отклонен: %v", o.err)
	case <-time.After(3 * time.Second):
		t.Fatal("offer не завершен")
	}

	invite := proxy.WaitRequests(sip.INVITE, 1, time.Second)[0]
	offered, err := offeranswer.RemoteAddr(invite.Body())
	require.NoError(t, err)

	local := waitSocket(t, sockets)
	remote := waitSocket(t, peerSockets)
	assert.Equal(t, offered.Port, local.LocalAddr().(*net.UDPAddr).Port,
		"медиа должно идти на сокет из offer")

	exchange(t, remote, local)
}

func TestClient_InboundOfferMediaExchange(t *testing.T) {
	proxy := siptest.NewProxy(t)
	c, sockets := newDirectClient(t, proxy)

	peerSockets := make(chan net.Conn, 1)
	peer := offeranswer.NewDirectFactory("127.0.0.1")
	session, err := peer.CreateOfferer(offeranswer.ListenerFuncs{
		Complete: func(s offeranswer.Session) { peerSockets <- s.Socket() },
	}, offeranswer.DefaultMediaStreamDesc())
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	offer, err := session.Offer()
	require.NoError(t, err)

	b := message.NewBuilder(peerURI(proxy), proxy.URI(), "peer")
	req := b.Invite(c.Self(), offer, message.ContentTypeSDP)
	req.Via().Params = req.Via().Params.Add("branch", message.GenerateBranch())
	require.NoError(t, proxy.Send(req))

	var answer []byte
	require.Eventually(t, func() bool {
		for _, res := range proxy.Responses() {
			if res.StatusCode == 200 {
				answer = res.Body()
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, session.ProcessAnswer(answer))

	local := waitSocket(t, sockets)
	remote := waitSocket(t, peerSockets)
	exchange(t, local, remote)
}
