package message

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	self := UserURI("48392", "lastbamboo.org")
	proxy := MustParseURI("sip:127.0.0.1:8472;transport=tcp")
	b := NewBuilder(self, proxy, "TestAgent/1.0")
	b.SetLocalAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 40123})
	return b
}

func TestBuilder_Register(t *testing.T) {
	b := newTestBuilder(t)

	req := b.Register(time.Hour)
	require.NotNil(t, req)

	assert.Equal(t, sip.REGISTER, req.Method)
	assert.Equal(t, "127.0.0.1", req.Recipient.Host)
	assert.Equal(t, 8472, req.Recipient.Port)
	assert.Empty(t, req.Recipient.User)

	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "TCP", via.Transport)
	assert.Equal(t, "10.0.0.5", via.Host)
	assert.Equal(t, 40123, via.Port)
	assert.Empty(t, Branch(req), "branch назначает трекер")

	require.NotNil(t, req.From())
	require.NotNil(t, req.To())
	assert.Equal(t, "48392", req.From().Address.User)
	assert.Equal(t, "48392", req.To().Address.User)
	tag, ok := req.From().Params.Get("tag")
	assert.True(t, ok)
	assert.NotEmpty(t, tag)

	require.NotNil(t, req.CSeq())
	assert.Equal(t, sip.REGISTER, req.CSeq().MethodName)
	assert.Contains(t, req.String(), "Expires: 3600")
	assert.Contains(t, req.String(), "Content-Length: 0")
}

func TestBuilder_RegisterKeepsCallID(t *testing.T) {
	b := newTestBuilder(t)

	first := b.Register(time.Hour)
	second := b.Register(time.Hour)

	assert.Equal(t, first.CallID().Value(), second.CallID().Value())
	assert.Greater(t, second.CSeq().SeqNo, first.CSeq().SeqNo)
}

func TestBuilder_Invite(t *testing.T) {
	b := newTestBuilder(t)
	peer := UserURI("42798", "lastbamboo.org")
	body := []byte("v=0\r\n")

	req := b.Invite(peer, body, "")

	assert.Equal(t, sip.INVITE, req.Method)
	assert.Equal(t, "42798", req.Recipient.User)
	assert.Equal(t, "42798", req.To().Address.User)
	assert.Equal(t, sip.INVITE, req.CSeq().MethodName)
	assert.Equal(t, body, req.Body())

	raw := req.String()
	assert.True(t, strings.HasPrefix(raw, "INVITE sip:42798@lastbamboo.org SIP/2.0\r\n"), raw)
	assert.Contains(t, raw, "Content-Type: application/sdp")
	assert.Contains(t, raw, "Content-Length: 5")
	assert.Contains(t, raw, "User-Agent: TestAgent/1.0")
}

func TestBuilder_InviteUniqueCallIDs(t *testing.T) {
	b := newTestBuilder(t)
	peer := UserURI("42798", "lastbamboo.org")

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		req := b.Invite(peer, nil, "")
		id := req.CallID().Value()
		_, dup := seen[id]
		require.False(t, dup, "повтор Call-ID %s", id)
		seen[id] = struct{}{}
	}
}

func TestBuilder_Ack(t *testing.T) {
	b := newTestBuilder(t)
	invite := b.Invite(UserURI("42798", "lastbamboo.org"), nil, "")
	invite.Via().Params = invite.Via().Params.Add("branch", GenerateBranch())

	res := NewResponse(invite, 200, "OK", nil, "")
	ack := b.Ack(invite, res)

	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, invite.CallID().Value(), ack.CallID().Value())
	assert.NotEqual(t, Branch(invite), Branch(ack))

	toTag, ok := ack.To().Params.Get("tag")
	assert.True(t, ok)
	assert.NotEmpty(t, toTag)
}

func TestNewResponse(t *testing.T) {
	b := newTestBuilder(t)
	invite := b.Invite(UserURI("42798", "lastbamboo.org"), nil, "")
	invite.Via().Params = invite.Via().Params.Add("branch", "z9hG4bKtest")

	t.Run("Trying", func(t *testing.T) {
		res := NewResponse(invite, 100, "Trying", nil, "")
		assert.Equal(t, 100, res.StatusCode)
		assert.Equal(t, "z9hG4bKtest", Branch(res))
		assert.Equal(t, invite.CallID().Value(), res.CallID().Value())
	})

	t.Run("финальный ответ с телом", func(t *testing.T) {
		res := NewResponse(invite, 200, "OK", []byte("answer"), ContentTypeSDP)
		_, ok := res.To().Params.Get("tag")
		assert.True(t, ok)
		assert.Equal(t, []byte("answer"), res.Body())
		assert.Contains(t, res.String(), "Content-Length: 6")
	})
}

func TestSetBody_ReplacesContentHeaders(t *testing.T) {
	b := newTestBuilder(t)
	req := b.Invite(UserURI("42798", "lastbamboo.org"), []byte("offer"), "")

	SetBody(req, []byte("longer offer"), ContentTypeSDP)
	raw := req.String()
	assert.Equal(t, 1, strings.Count(raw, "Content-Length:"))
	assert.Equal(t, 1, strings.Count(raw, "Content-Type:"))
	assert.Contains(t, raw, "Content-Length: 12")

	SetBody(req, nil, "")
	raw = req.String()
	assert.Equal(t, 1, strings.Count(raw, "Content-Length:"))
	assert.Contains(t, raw, "Content-Length: 0")
	assert.NotContains(t, raw, "Content-Type:")
	require.Empty(t, req.Body())
}
