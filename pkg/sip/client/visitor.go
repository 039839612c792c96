package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/arzzra/sipoffer/pkg/offeranswer"
	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/arzzra/sipoffer/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
)

const allowedMethods = "INVITE, ACK, OPTIONS, BYE, CANCEL"

// visitor обрабатывает сообщения одного соединения. Создается фабрикой
// обработчиков транспорта для каждого соединения, исходящего и входящего.
type visitor struct {
	client *Client
	conn   *transport.Connection
	logger *slog.Logger
}

func (c *Client) newVisitor(conn *transport.Connection) transport.Handler {
	return &visitor{
		client: c,
		conn:   conn,
		logger: c.logger.With(slog.String("conn", conn.ID())),
	}
}

func (v *visitor) HandleMessage(_ *transport.Connection, msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Response:
		v.visitResponse(m)
	case *sip.Request:
		v.visitRequest(m)
	default:
		v.logger.Warn("Неизвестный тип сообщения отброшен", slog.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (v *visitor) HandleConnectionLost(conn *transport.Connection, err error) {
	v.client.onConnectionLost(conn, err)
}

func (v *visitor) visitResponse(res *sip.Response) {
	tx, finished := v.client.tracker.Resolve(res)
	if tx == nil || !finished {
		return
	}
	if tx.Method() != sip.INVITE || !message.IsSuccess(res) {
		return
	}

	ack := v.client.builder.Ack(tx.Request(), res)
	if err := v.conn.Send(ack); err != nil {
		v.logger.Warn("Не удалось отправить ACK",
			slog.String("branch", tx.Branch()),
			slog.Any("error", err))
	}

	session, _ := tx.Attachment().(offeranswer.Session)
	if session == nil {
		return
	}

	answer := res.Body()
	if len(answer) == 0 {
		v.logger.Debug("Ответ на INVITE без SDP, сессия закрыта",
			slog.String("branch", tx.Branch()))
		_ = session.Close()
		return
	}
	if addr, err := offeranswer.RemoteAddr(answer); err != nil {
		v.logger.Debug("Адрес медиа в ответе не найден", slog.Any("error", err))
	} else {
		v.logger.Debug("Получен SDP answer",
			slog.String("branch", tx.Branch()),
			slog.String("media", addr.String()))
	}

	if !v.client.safeGo(func() { v.processAnswer(session, answer) }) {
		_ = session.Close()
	}
}

// processAnswer передает ответ сессии, создавшей offer
func (v *visitor) processAnswer(session offeranswer.Session, answer []byte) {
	if err := session.ProcessAnswer(answer); err != nil {
		v.logger.Warn("Не удалось обработать SDP answer",
			slog.String("session", session.ID()),
			slog.Any("error", err))
		_ = session.Close()
	}
}

func (v *visitor) visitRequest(req *sip.Request) {
	if _, err := message.KeyFromRequest(req); err != nil {
		v.logger.Warn("Некорректный запрос отброшен",
			slog.String("method", string(req.Method)),
			slog.Any("error", err))
		return
	}

	switch req.Method {
	case sip.INVITE:
		v.respond(message.NewResponse(req, 100, "Trying", nil, ""))
		v.client.safeGo(func() { v.answerInvite(req) })
	case sip.ACK:
	case sip.OPTIONS, sip.BYE, sip.CANCEL:
		v.respond(message.NewResponse(req, 200, "OK", nil, ""))
	default:
		res := message.NewResponse(req, 405, "Method Not Allowed", nil, "")
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		v.respond(res)
	}
}

func (v *visitor) answerInvite(req *sip.Request) {
	from := ""
	if h := req.From(); h != nil {
		from = h.Address.String()
	}
	reject := func(err error) {
		v.client.metrics.InviteReceived("rejected")
		v.logger.Warn("Входящий INVITE отклонен",
			slog.String("from", from),
			slog.Any("error", err))
		v.respond(message.NewResponse(req, 488, "Not Acceptable Here", nil, ""))
	}

	session, err := v.client.factory.CreateAnswerer(v.client.mediaListener(), v.client.cfg.UseRelay)
	if err != nil {
		reject(err)
		return
	}
	if session == nil {
		reject(offeranswer.ErrConnect)
		return
	}

	answer, err := session.ProcessOffer(req.Body())
	if err != nil {
		_ = session.Close()
		reject(err)
		return
	}

	res := message.NewResponse(req, 200, "OK", answer, message.ContentTypeSDP)
	if contact, ok := v.contact(); ok {
		res.AppendHeader(contact)
	}
	v.respond(res)
	v.client.metrics.InviteReceived("answered")
}

func (v *visitor) contact() (*sip.ContactHeader, bool) {
	host, portStr, err := net.SplitHostPort(v.conn.LocalAddr().String())
	if err != nil {
		return nil, false
	}
	port, _ := strconv.Atoi(portStr)
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      v.client.cfg.Self.User,
			Host:      host,
			Port:      port,
			UriParams: sip.NewParams().Add("transport", "tcp"),
		},
		Params: sip.NewParams(),
	}, true
}

func (v *visitor) respond(res *sip.Response) {
	if err := v.conn.Send(res); err != nil {
		v.logger.Warn("Не удалось отправить ответ",
			slog.Int("status", res.StatusCode),
			slog.Any("error", err))
	}
}

// mediaListener передает согласованные сокеты в SocketListener клиента
func (c *Client) mediaListener() offeranswer.Listener {
	return offeranswer.ListenerFuncs{
		Complete: func(s offeranswer.Session) {
			sock := s.Socket()
			if sock == nil {
				c.logger.Warn("Сессия завершена без сокета", slog.String("session", s.ID()))
				return
			}
			c.logger.Info("Медиа сокет согласован",
				slog.String("session", s.ID()),
				slog.String("remote", sock.RemoteAddr().String()))
			c.sockets.OnSocket(s.ID(), sock)
		},
		Failed: func(s offeranswer.Session, err error) {
			c.logger.Warn("Согласование медиа не удалось",
				slog.String("session", s.ID()),
				slog.Any("error", err))
		},
	}
}
