package offeranswer

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// DirectFactory согласует UDP сокет напрямую по адресам из SDP, без ICE.
// Подходит для пиров в одной сети и для тестов.
type DirectFactory struct {
	// Host адрес, на котором открываются локальные сокеты и который
	// объявляется в SDP
	Host string

	Desc   MediaStreamDesc
	Logger *slog.Logger
}

// NewDirectFactory создает фабрику для адреса host
func NewDirectFactory(host string) *DirectFactory {
	return &DirectFactory{
		Host:   host,
		Desc:   DefaultMediaStreamDesc(),
		Logger: slog.Default(),
	}
}

func (f *DirectFactory) CreateOfferer(l Listener, desc MediaStreamDesc) (Session, error) {
	return f.newSession(l, desc, true)
}

func (f *DirectFactory) CreateAnswerer(l Listener, useRelay bool) (Session, error) {
	desc := f.Desc
	desc.UseRelay = useRelay
	return f.newSession(l, desc, false)
}

func (f *DirectFactory) newSession(l Listener, desc MediaStreamDesc, offerer bool) (*directSession, error) {
	host := f.Host
	if host == "" {
		host = "127.0.0.1"
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	return &directSession{
		id:       id,
		offerer:  offerer,
		desc:     desc,
		listener: l,
		conn:     conn,
		logger:   logger.With(slog.String("session", id)),
	}, nil
}

type directSession struct {
	id       string
	offerer  bool
	desc     MediaStreamDesc
	listener Listener
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	socket net.Conn
	closed bool
	done   bool
}

func (s *directSession) ID() string { return s.id }

func (s *directSession) Offer() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return BuildSDP(s.desc, s.conn.LocalAddr().(*net.UDPAddr), 0)
}

func (s *directSession) ProcessAnswer(answer []byte) error {
	if !s.offerer {
		return fmt.Errorf("process answer on answerer session")
	}
	remote, err := RemoteAddr(answer)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnect, err)
		s.fail(err)
		return err
	}
	return s.complete(remote)
}

func (s *directSession) ProcessOffer(offer []byte) ([]byte, error) {
	if s.offerer {
		return nil, fmt.Errorf("process offer on offerer session")
	}
	remote, err := RemoteAddr(offer)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnect, err)
		s.fail(err)
		return nil, err
	}

	sd, _ := ParseSDP(offer)
	if desc, ok := StreamDesc(sd); ok {
		s.mu.Lock()
		desc.UseRelay = s.desc.UseRelay
		s.desc = desc
		s.mu.Unlock()
	}

	answer, err := s.Offer()
	if err != nil {
		s.fail(err)
		return nil, err
	}
	if err := s.complete(remote); err != nil {
		return nil, err
	}
	return answer, nil
}

func (s *directSession) complete(remote *net.UDPAddr) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.done {
		s.mu.Unlock()
		return fmt.Errorf("session %s already negotiated", s.id)
	}
	s.done = true
	s.socket = &udpSocket{UDPConn: s.conn, remote: remote}
	s.mu.Unlock()

	s.logger.Debug("Медиа сокет согласован",
		slog.String("local", s.conn.LocalAddr().String()),
		slog.String("remote", remote.String()))

	if s.listener != nil {
		s.listener.OnOfferAnswerComplete(s)
	}
	return nil
}

func (s *directSession) fail(err error) {
	s.logger.Warn("Согласование offer/answer не удалось", slog.Any("error", err))
	if s.listener != nil {
		s.listener.OnOfferAnswerFailed(s, err)
	}
}

func (s *directSession) Socket() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

func (s *directSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// udpSocket несвязанный UDP сокет с фиксированной удаленной стороной.
// Пакеты от других адресов отбрасываются.
type udpSocket struct {
	*net.UDPConn
	remote *net.UDPAddr
}

func (u *udpSocket) RemoteAddr() net.Addr { return u.remote }

func (u *udpSocket) Write(b []byte) (int, error) {
	return u.UDPConn.WriteToUDP(b, u.remote)
}

func (u *udpSocket) Read(b []byte) (int, error) {
	for {
		n, from, err := u.UDPConn.ReadFromUDP(b)
		if err != nil {
			return n, err
		}
		if from.IP.Equal(u.remote.IP) && from.Port == u.remote.Port {
			return n, nil
		}
	}
}
