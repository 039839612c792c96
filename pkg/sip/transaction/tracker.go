package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/emiago/sipgo/sip"
)

// DefaultTimeout 64*T1, время жизни non-INVITE транзакции (RFC 3261 17.1.2.2)
const DefaultTimeout = 32 * time.Second

// Config конфигурация трекера транзакций
type Config struct {
	// Timeout время ожидания финального ответа
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics Metrics
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Logger:  slog.Default(),
		Metrics: noopMetrics{},
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("transaction timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// Tracker хранит ожидающие клиентские транзакции и сопоставляет с ними ответы.
//
// Все операции безопасны для конкурентного вызова. Listener вызывается
// вне мьютекса трекера.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	mu           sync.Mutex
	transactions map[string]*Transaction
	closed       bool
}

// NewTracker создает трекер. Незаданные поля cfg берутся из DefaultConfig.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}

	return &Tracker{
		cfg:          cfg,
		logger:       cfg.Logger.With(slog.String("component", "transaction")),
		metrics:      cfg.Metrics,
		transactions: make(map[string]*Transaction),
	}
}

// Create регистрирует запрос как ожидающую транзакцию.
//
// Назначает запросу новый branch в верхнем Via (добавляя Via при его
// отсутствии) и запускает таймер таймаута. Запрос без CSeq или Call-ID
// отклоняется с ErrInvalidRequest.
func (t *Tracker) Create(req *sip.Request, l Listener, opts ...Option) (*Transaction, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.CSeq() == nil {
		return nil, fmt.Errorf("%w: missing CSeq", ErrInvalidRequest)
	}
	if req.CallID() == nil {
		return nil, fmt.Errorf("%w: missing Call-ID", ErrInvalidRequest)
	}

	o := createOptions{timeout: t.cfg.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	branch := message.GenerateBranch()
	for t.transactions[branch] != nil {
		branch = message.GenerateBranch()
	}
	setBranch(req, branch)

	key, err := message.KeyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	tx := newTransaction(t, req, key, l, o)
	t.transactions[tx.id] = tx
	tx.armTimer(func() { t.Timeout(tx.id) })

	t.metrics.TransactionStarted(key.Method)
	t.logger.Debug("Транзакция создана",
		slog.String("branch", key.Branch),
		slog.String("method", string(key.Method)),
		slog.String("call_id", key.CallID),
		slog.String("conn", o.connID))

	return tx, nil
}

func setBranch(req *sip.Request, branch string) {
	via := req.Via()
	if via == nil {
		via = &sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "TCP",
			Host:            "127.0.0.1",
			Params:          sip.NewParams(),
		}
		req.PrependHeader(via)
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params = via.Params.Add("branch", branch)
}

// Resolve сопоставляет ответ с ожидающей транзакцией.
//
// Возвращает найденную транзакцию и true, если ответ перевел ее в конечное
// состояние. Предварительный ответ (1xx) оставляет транзакцию ожидающей и
// возвращает (tx, false). Несопоставленные, повторные и запоздавшие ответы
// возвращают (nil, false).
func (t *Tracker) Resolve(res *sip.Response) (*Transaction, bool) {
	key, err := message.KeyFromResponse(res)
	if err != nil {
		t.metrics.ResponseUnmatched()
		t.logger.Debug("Ответ без ключа транзакции отброшен", slog.Any("error", err))
		return nil, false
	}

	t.mu.Lock()
	tx, ok := t.transactions[key.Branch]
	t.mu.Unlock()

	if !ok || tx.key != key {
		t.metrics.ResponseUnmatched()
		t.logger.Debug("Ответ не соответствует ни одной транзакции",
			slog.String("key", key.String()),
			slog.Int("status", res.StatusCode))
		return nil, false
	}

	if message.IsProvisional(res) {
		return tx, false
	}

	if message.IsSuccess(res) {
		return tx, t.finish(tx, eventSucceed, res, nil)
	}
	return tx, t.finish(tx, eventFail, res, &StatusError{Code: res.StatusCode, Reason: res.Reason})
}

// Timeout завершает ожидающую транзакцию с ErrTimeout.
// Вызывается таймером транзакции.
func (t *Tracker) Timeout(id string) bool {
	tx := t.Get(id)
	if tx == nil {
		return false
	}
	return t.finish(tx, eventTimeout, nil, ErrTimeout)
}

// Cancel завершает ожидающую транзакцию с ErrCanceled
func (t *Tracker) Cancel(id string) bool {
	return t.Fail(id, ErrCanceled)
}

// Fail завершает ожидающую транзакцию с ошибкой err, например при
// невозможности отправить запрос
func (t *Tracker) Fail(id string, err error) bool {
	tx := t.Get(id)
	if tx == nil {
		return false
	}
	if err == nil {
		err = ErrCanceled
	}
	return t.finish(tx, eventFail, nil, err)
}

// FailConnection завершает все ожидающие транзакции соединения connID с
// ErrConnectionLost. Возвращает число завершенных транзакций.
func (t *Tracker) FailConnection(connID string, cause error) int {
	t.mu.Lock()
	var lost []*Transaction
	for _, tx := range t.transactions {
		if tx.connID == connID {
			lost = append(lost, tx)
		}
	}
	t.mu.Unlock()

	err := ErrConnectionLost
	if cause != nil && !errors.Is(cause, ErrConnectionLost) {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}

	n := 0
	for _, tx := range lost {
		if t.finish(tx, eventFail, nil, err) {
			n++
		}
	}
	if n > 0 {
		t.logger.Info("Транзакции соединения завершены",
			slog.String("conn", connID),
			slog.Int("count", n))
	}
	return n
}

// Get возвращает ожидающую транзакцию по идентификатору или nil
func (t *Tracker) Get(id string) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transactions[id]
}

// Len число ожидающих транзакций
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.transactions)
}

// Close останавливает все таймеры и синхронно завершает ожидающие
// транзакции с ErrClosed. Повторный вызов ничего не делает.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := make([]*Transaction, 0, len(t.transactions))
	for _, tx := range t.transactions {
		pending = append(pending, tx)
	}
	t.mu.Unlock()

	for _, tx := range pending {
		t.finish(tx, eventFail, nil, ErrClosed)
	}
	return nil
}

// finish переводит транзакцию в конечное состояние. Только первый вызов
// для транзакции выполняет переход и уведомляет listener.
func (t *Tracker) finish(tx *Transaction, event string, res *sip.Response, err error) bool {
	t.mu.Lock()
	if cur, ok := t.transactions[tx.id]; !ok || cur != tx {
		t.mu.Unlock()
		return false
	}
	if ferr := tx.fsm.Event(context.Background(), event); ferr != nil {
		t.mu.Unlock()
		return false
	}
	delete(t.transactions, tx.id)
	t.mu.Unlock()

	tx.stopTimer()
	tx.result = Result{Response: res, Err: err}
	close(tx.done)

	state := tx.State()
	t.metrics.TransactionFinished(tx.key.Method, state, time.Since(tx.created))
	if err != nil {
		t.logger.Debug("Транзакция завершена с ошибкой",
			slog.String("branch", tx.id),
			slog.String("state", string(state)),
			slog.Any("error", err))
	}

	t.notify(tx, res, err)
	return true
}

func (t *Tracker) notify(tx *Transaction, res *sip.Response, err error) {
	if tx.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Паника в обработчике транзакции",
				slog.String("branch", tx.id),
				slog.Any("panic", r))
		}
	}()

	if err == nil {
		tx.listener.OnTransactionSucceeded(tx, res)
		return
	}
	tx.listener.OnTransactionFailed(tx, res, err)
}
