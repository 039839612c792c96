// Package client реализует SIP клиент, который подключается к прокси по
// TCP, регистрирует собственную идентичность и отправляет INVITE с SDP
// offer удаленным пирам. Успешный ответ передается движку offer/answer,
// согласованный медиа сокет отдается SocketListener.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/sipoffer/pkg/offeranswer"
	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/arzzra/sipoffer/pkg/sip/transaction"
	"github.com/arzzra/sipoffer/pkg/sip/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

const metricsNamespace = "sipoffer"

// Client SIP клиент одной идентичности.
//
// Connect и Register блокируются до результата; Offer возвращает
// транзакцию сразу, итог приходит в transaction.Listener.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	builder   *message.Builder
	tracker   *transaction.Tracker
	transport *transport.TCPTransport
	resolver  *transport.Resolver
	factory   offeranswer.Factory
	sockets   offeranswer.SocketListener
	state     *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	// opMu упорядочивает Connect, Register и попытки переподключения
	opMu sync.Mutex

	mu             sync.Mutex
	conn           *transport.Connection
	registeredConn string
	listening      bool
	reconnecting   bool
	closed         bool
	wg             sync.WaitGroup
}

// New создает клиент. factory создает сессии offer/answer, sockets
// получает согласованные медиа сокеты; оба обязательны.
func New(cfg Config, factory offeranswer.Factory, sockets offeranswer.SocketListener) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if factory == nil {
		return nil, errors.New("offer/answer factory is required")
	}
	if sockets == nil {
		return nil, errors.New("socket listener is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With(slog.String("self", cfg.Self.String()))

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: noopMetrics{},
		builder: message.NewBuilder(cfg.Self, cfg.Proxy, cfg.UserAgent),
		factory: factory,
		sockets: sockets,
	}

	txCfg := transaction.DefaultConfig()
	txCfg.Timeout = cfg.TransactionTimeout
	txCfg.Logger = logger
	if cfg.Registerer != nil {
		c.metrics = NewPrometheusMetrics(cfg.Registerer, metricsNamespace)
		txCfg.Metrics = transaction.NewPrometheusMetrics(cfg.Registerer, metricsNamespace)
	}
	c.tracker = transaction.NewTracker(txCfg)

	trCfg := transport.DefaultConfig()
	trCfg.KeepAlive = cfg.KeepAlive
	trCfg.Logger = logger
	if cfg.DialTimeout > 0 {
		trCfg.DialTimeout = cfg.DialTimeout
	}
	c.transport = transport.NewTCPTransport(trCfg)

	c.resolver = cfg.Resolver
	if c.resolver == nil {
		c.resolver = &transport.Resolver{Logger: logger}
	}

	c.state = newStateMachine(c.onStateChange)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Self собственная идентичность клиента
func (c *Client) Self() sip.Uri {
	return c.builder.Self()
}

// Stats статистика транспорта клиента
func (c *Client) Stats() transport.Stats {
	return c.transport.Stats()
}

// Connect устанавливает соединение с прокси. Ошибка возвращается как
// *transport.ConnectError, повторных попыток нет.
func (c *Client) Connect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.reconnecting, c.conn != nil && !c.conn.IsClosed():
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	c.transition(eventConnect)
	if err := c.connect(ctx); err != nil {
		c.transition(eventDisconnect)
		return err
	}

	if err := c.listen(); err != nil {
		c.logger.Warn("Не удалось открыть порт для входящих соединений",
			slog.String("addr", c.cfg.ListenAddr),
			slog.Any("error", err))
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	proxy := message.HostPort(c.cfg.Proxy)
	addrs, err := c.resolver.Resolve(ctx, c.cfg.Proxy)
	if err != nil {
		return &transport.ConnectError{Op: "resolve", Addr: proxy, Err: err}
	}

	var conn *transport.Connection
	for _, addr := range addrs {
		conn, err = c.transport.Open(ctx, addr, c.newVisitor)
		if err == nil {
			break
		}
		c.logger.Debug("Адрес прокси недоступен",
			slog.String("addr", addr),
			slog.Any("error", err))
	}
	if err != nil {
		return err
	}

	c.builder.SetLocalAddr(conn.LocalAddr())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	// соединение могло оборваться до того, как стало текущим
	if conn.IsClosed() {
		c.dropConnection(conn)
		return &transport.ConnectError{Op: "dial", Addr: proxy, Err: transport.ErrConnectionClosed}
	}

	c.transition(eventConnected)
	return nil
}

func (c *Client) listen() error {
	if c.cfg.ListenAddr == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return nil
	}
	if err := c.transport.Listen(c.cfg.ListenAddr, c.newVisitor); err != nil {
		return err
	}
	c.listening = true
	return nil
}

// dropConnection закрывает соединение, если оно текущее
func (c *Client) dropConnection(conn *transport.Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Register регистрирует собственную идентичность через текущее соединение
// и ждет финального ответа. Повторная регистрация в пределах одного
// соединения возвращает ErrAlreadyRegistered.
func (c *Client) Register(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.register(ctx)
}

func (c *Client) register(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil || conn.IsClosed() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.registeredConn == conn.ID() {
		c.mu.Unlock()
		return ErrAlreadyRegistered
	}
	c.mu.Unlock()

	req := c.builder.Register(c.cfg.RegisterExpires)
	tx, err := c.tracker.Create(req, nil, transaction.WithConnection(conn.ID()))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := conn.Send(req); err != nil {
		err = sendError(err)
		c.tracker.Fail(tx.ID(), err)
		return fmt.Errorf("register: %w", err)
	}

	if _, err := tx.Wait(ctx); err != nil {
		tx.Cancel()
		return fmt.Errorf("register: %w", err)
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return fmt.Errorf("register: %w", transaction.ErrConnectionLost)
	}
	c.registeredConn = conn.ID()
	c.mu.Unlock()

	c.transition(eventRegistered)
	if c.cfg.Registry != nil {
		c.cfg.Registry.Add(c)
	}
	c.logger.Info("Клиент зарегистрирован",
		slog.String("proxy", c.cfg.Proxy.String()),
		slog.String("conn", conn.ID()))
	return nil
}

// Offer отправляет INVITE пиру peer и сразу возвращает транзакцию. Итог
// приходит в l. До регистрации возвращает ErrNotRegistered. Безопасен для
// конкурентного вызова.
//
// Сессия offerer создается фабрикой до отправки запроса. Пустой body
// заменяется ее SDP offer, и ответ 2xx передается этой же сессии, поэтому
// медиа приходит на сокет, объявленный в offer. При неуспехе транзакции
// сессия закрывается.
//
// Ошибка отправки не возвращается: транзакция завершается с ней через l.
func (c *Client) Offer(peer sip.Uri, body []byte, l transaction.Listener, desc offeranswer.MediaStreamDesc) (*transaction.Transaction, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	registered := conn != nil && !conn.IsClosed() && c.registeredConn == conn.ID()
	c.mu.Unlock()

	if !registered {
		return nil, ErrNotRegistered
	}

	session, err := c.factory.CreateOfferer(c.mediaListener(), desc)
	if err != nil {
		return nil, fmt.Errorf("create offerer: %w", err)
	}
	if session != nil && len(body) == 0 {
		if body, err = session.Offer(); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("build offer: %w", err)
		}
	}

	req := c.builder.Invite(peer, body, message.ContentTypeSDP)
	tx, err := c.tracker.Create(req, &offerListener{next: l, session: session},
		transaction.WithConnection(conn.ID()),
		transaction.WithAttachment(session))
	if err != nil {
		if session != nil {
			_ = session.Close()
		}
		return nil, err
	}
	c.metrics.OfferSent()

	if err := conn.Send(req); err != nil {
		err = sendError(err)
		c.logger.Warn("Не удалось отправить INVITE",
			slog.String("branch", tx.Branch()),
			slog.Any("error", err))
		c.tracker.Fail(tx.ID(), err)
	}
	return tx, nil
}

func (c *Client) onConnectionLost(conn *transport.Connection, err error) {
	n := c.tracker.FailConnection(conn.ID(), err)

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasRegistered := c.registeredConn == conn.ID()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	restore := wasRegistered && c.cfg.Reconnect
	if restore {
		c.reconnecting = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.logger.Warn("Соединение с прокси потеряно",
		slog.String("conn", conn.ID()),
		slog.Int("failed_transactions", n),
		slog.Bool("reconnect", restore),
		slog.Any("error", err))

	if !restore {
		c.transition(eventDisconnect)
		return
	}
	c.transition(eventLost)
	go c.reconnectLoop()
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMaxInterval
	b.MaxElapsedTime = c.cfg.ReconnectMaxElapsed
	b.Reset()
	return backoff.WithContext(b, c.ctx)
}

// reconnectLoop восстанавливает соединение и регистрацию с
// экспоненциальной задержкой
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	attempt := 0
	op := func() error {
		attempt++
		c.opMu.Lock()
		defer c.opMu.Unlock()

		if c.ctx.Err() != nil {
			return backoff.Permanent(ErrClosed)
		}
		if err := c.connect(c.ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := c.register(c.ctx); err != nil {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				c.dropConnection(conn)
			}
			c.transition(eventLost)
			var se *transaction.StatusError
			if errors.As(err, &se) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.metrics.Reconnect("retry")
		c.logger.Warn("Попытка переподключения не удалась",
			slog.Int("attempt", attempt),
			slog.Duration("next", next),
			slog.Any("error", err))
	}

	err := backoff.RetryNotify(op, c.newBackOff(), notify)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.metrics.Reconnect("failed")
		c.logger.Error("Переподключение к прокси не удалось",
			slog.Int("attempts", attempt),
			slog.Any("error", err))
		c.transition(eventFail)
		return
	}

	c.metrics.Reconnect("success")
	c.logger.Info("Соединение с прокси восстановлено", slog.Int("attempts", attempt))
	c.safeGo(func() { c.sockets.Reconnected() })
}

// safeGo запускает fn в отслеживаемой горутине с перехватом паники.
// После Close ничего не делает и возвращает false.
func (c *Client) safeGo(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Паника в обработчике", slog.Any("panic", r))
			}
		}()
		fn()
	}()
	return true
}

// Close закрывает соединения, останавливает переподключение и синхронно
// завершает ожидающие транзакции с transaction.ErrClosed. Повторный вызов
// ничего не делает. Нельзя вызывать из обработчиков клиента.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	_ = c.tracker.Close()
	err := c.transport.Close()
	c.wg.Wait()

	if c.cfg.Registry != nil {
		c.cfg.Registry.Remove(c)
	}
	c.transition(eventClose)
	c.logger.Info("Клиент закрыт")
	return err
}
