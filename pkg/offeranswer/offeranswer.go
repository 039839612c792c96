// Package offeranswer описывает контракт с движком offer/answer (ICE),
// который согласует медиа сокет между пирами после успешного INVITE.
//
// Сигнальный клиент только создает сессии через Factory, передает им
// тела SDP и регистрирует полученный сокет в SocketListener.
package offeranswer

import (
	"errors"
	"net"
)

var (
	// ErrConnect is returned when a media connection could not be established
	ErrConnect = errors.New("offer/answer connect failed")

	// ErrInvalidSDP is returned for bodies that are not valid SDP
	ErrInvalidSDP = errors.New("invalid sdp")

	// ErrNoMedia is returned when SDP carries no usable media stream
	ErrNoMedia = errors.New("no media stream in sdp")

	// ErrSessionClosed is returned when operation is attempted on closed session
	ErrSessionClosed = errors.New("session closed")
)

// MediaStreamDesc описание медиа потока для offer
type MediaStreamDesc struct {
	// TCP и UDP допустимые транспорты потока
	TCP bool
	UDP bool

	// MimeType и MimeSubtype тип содержимого потока, например
	// "message" и "http"
	MimeType    string
	MimeSubtype string

	// Components число компонентов потока (RTP/RTCP = 2)
	Components int

	// UseRelay разрешает relay кандидаты
	UseRelay bool
}

// DefaultMediaStreamDesc UDP поток с одним компонентом
func DefaultMediaStreamDesc() MediaStreamDesc {
	return MediaStreamDesc{
		UDP:         true,
		MimeType:    "message",
		MimeSubtype: "http",
		Components:  1,
	}
}

// Session одна сторона согласования offer/answer
type Session interface {
	ID() string

	// Offer тело SDP с предложением этой стороны
	Offer() ([]byte, error)

	// ProcessAnswer принимает ответ удаленной стороны (сторона offerer)
	ProcessAnswer(answer []byte) error

	// ProcessOffer принимает предложение и возвращает ответ (сторона answerer)
	ProcessOffer(offer []byte) ([]byte, error)

	// Socket согласованный сокет, nil до завершения согласования
	Socket() net.Conn

	Close() error
}

// Listener получает итог согласования сессии
type Listener interface {
	OnOfferAnswerComplete(s Session)
	OnOfferAnswerFailed(s Session, err error)
}

// ListenerFuncs адаптер функций к Listener
type ListenerFuncs struct {
	Complete func(s Session)
	Failed   func(s Session, err error)
}

func (f ListenerFuncs) OnOfferAnswerComplete(s Session) {
	if f.Complete != nil {
		f.Complete(s)
	}
}

func (f ListenerFuncs) OnOfferAnswerFailed(s Session, err error) {
	if f.Failed != nil {
		f.Failed(s, err)
	}
}

// Factory создает сессии offer/answer
type Factory interface {
	CreateOfferer(l Listener, desc MediaStreamDesc) (Session, error)
	CreateAnswerer(l Listener, useRelay bool) (Session, error)
}

// SocketListener получает сокеты согласованных сессий
type SocketListener interface {
	OnSocket(id string, sock net.Conn)

	// Reconnected вызывается после восстановления регистрации
	Reconnected()
}

// SocketListenerFuncs адаптер функций к SocketListener
type SocketListenerFuncs struct {
	Socket    func(id string, sock net.Conn)
	Reconnect func()
}

func (f SocketListenerFuncs) OnSocket(id string, sock net.Conn) {
	if f.Socket != nil {
		f.Socket(id, sock)
	}
}

func (f SocketListenerFuncs) Reconnected() {
	if f.Reconnect != nil {
		f.Reconnect()
	}
}
