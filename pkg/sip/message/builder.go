package message

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ContentTypeSDP тип тела для offer/answer
const ContentTypeSDP = "application/sdp"

// Builder строит исходящие запросы клиента.
//
// Via создается без branch: уникальный branch назначает трекер транзакций.
// Builder безопасен для конкурентного использования.
type Builder struct {
	self      sip.Uri
	proxy     sip.Uri
	userAgent string
	transport string

	// Call-ID регистрации постоянен в пределах жизни клиента (RFC 3261 10.2)
	registerCallID string
	registerTag    string

	cseq atomic.Uint32

	mu        sync.RWMutex
	localHost string
	localPort int
}

// NewBuilder создает построитель запросов для идентичности self,
// зарегистрированной через proxy
func NewBuilder(self, proxy sip.Uri, userAgent string) *Builder {
	b := &Builder{
		self:        *self.Clone(),
		proxy:       *proxy.Clone(),
		userAgent:   userAgent,
		transport:   strings.ToUpper(TransportParam(proxy)),
		registerTag: GenerateTag(),
		localHost:   "127.0.0.1",
	}
	b.registerCallID = GenerateCallID(self.Host)
	return b
}

// SetLocalAddr задает локальный адрес соединения для Via и Contact
func (b *Builder) SetLocalAddr(addr net.Addr) {
	if addr == nil {
		return
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	port, _ := strconv.Atoi(portStr)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.localHost = host
	b.localPort = port
}

// Self возвращает собственную идентичность клиента
func (b *Builder) Self() sip.Uri {
	return *b.self.Clone()
}

// Register строит REGISTER, привязанный к собственной идентичности
func (b *Builder) Register(expires time.Duration) *sip.Request {
	recipient := sip.Uri{
		Scheme:    b.proxy.Scheme,
		Host:      b.proxy.Host,
		Port:      b.proxy.Port,
		UriParams: b.proxy.UriParams,
	}
	req := sip.NewRequest(sip.REGISTER, recipient)
	b.addVia(req)
	b.addFrom(req, b.registerTag)
	req.AppendHeader(&sip.ToHeader{
		Address: *b.self.Clone(),
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader(b.registerCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: b.cseq.Add(1), MethodName: sip.REGISTER})
	b.addCommon(req)

	exp := sip.ExpiresHeader(uint32(expires / time.Second))
	req.AppendHeader(&exp)
	SetBody(req, nil, "")
	return req
}

// Invite строит INVITE к удаленному пиру с телом offer
func (b *Builder) Invite(peer sip.Uri, body []byte, contentType string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, *peer.Clone())
	b.addVia(req)
	b.addFrom(req, GenerateTag())
	req.AppendHeader(&sip.ToHeader{
		Address: *peer.Clone(),
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader(GenerateCallID(b.self.Host))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: b.cseq.Add(1), MethodName: sip.INVITE})
	b.addCommon(req)

	if contentType == "" && len(body) > 0 {
		contentType = ContentTypeSDP
	}
	SetBody(req, body, contentType)
	return req
}

// Ack строит ACK на успешный ответ INVITE (RFC 3261 13.2.2.4).
// ACK на 2xx является отдельной транзакцией и получает новый branch.
func (b *Builder) Ack(invite *sip.Request, res *sip.Response) *sip.Request {
	target := invite.Recipient
	if contact := res.Contact(); contact != nil {
		target = contact.Address
	}

	req := sip.NewRequest(sip.ACK, *target.Clone())
	b.addVia(req)
	if via := req.Via(); via != nil {
		via.Params = via.Params.Add("branch", GenerateBranch())
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(sip.HeaderClone(from))
	}
	if to := res.To(); to != nil {
		req.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		req.AppendHeader(sip.HeaderClone(callID))
	}
	var seq uint32
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.ACK})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	SetBody(req, nil, "")
	return req
}

func (b *Builder) addVia(req *sip.Request) {
	b.mu.RLock()
	host, port := b.localHost, b.localPort
	b.mu.RUnlock()

	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       b.transport,
		Host:            host,
		Port:            port,
		Params:          sip.NewParams(),
	})
}

func (b *Builder) addFrom(req *sip.Request, tag string) {
	req.AppendHeader(&sip.FromHeader{
		Address: *b.self.Clone(),
		Params:  sip.NewParams().Add("tag", tag),
	})
}

func (b *Builder) addCommon(req *sip.Request) {
	b.mu.RLock()
	host, port := b.localHost, b.localPort
	b.mu.RUnlock()

	contact := sip.Uri{
		Scheme:    "sip",
		User:      b.self.User,
		Host:      host,
		Port:      port,
		UriParams: sip.NewParams().Add("transport", strings.ToLower(b.transport)),
	}
	req.AppendHeader(&sip.ContactHeader{Address: contact, Params: sip.NewParams()})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	if b.userAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", b.userAgent))
	}
}

// NewResponse строит ответ на входящий запрос.
// Для финальных ответов добавляет To tag, если его нет.
func NewResponse(req *sip.Request, code int, reason string, body []byte, contentType string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if code > 100 {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			if _, ok := to.Params.Get("tag"); !ok {
				to.Params = to.Params.Add("tag", GenerateTag())
			}
		}
	}
	SetBody(res, body, contentType)
	return res
}

// SetBody устанавливает тело сообщения вместе с Content-Type и Content-Length.
// Content-Length обязателен для потоковых транспортов (RFC 3261 18.3),
// его выставляет SetBody сообщения.
func SetBody(msg sip.Message, body []byte, contentType string) {
	switch m := msg.(type) {
	case *sip.Request:
		m.RemoveHeader("Content-Type")
		m.RemoveHeader("Content-Length")
	case *sip.Response:
		m.RemoveHeader("Content-Type")
		m.RemoveHeader("Content-Length")
	}
	if len(body) > 0 && contentType != "" {
		ct := sip.ContentTypeHeader(contentType)
		msg.AppendHeader(&ct)
	}
	msg.SetBody(body)
}
