package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// State состояние клиентской транзакции
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// IsTerminal true для конечных состояний
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

const (
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventTimeout = "timeout"
)

// Listener получает ровно одно уведомление о завершении транзакции.
// Вызывается вне блокировок трекера, поэтому может снова обращаться к нему.
type Listener interface {
	OnTransactionSucceeded(tx *Transaction, res *sip.Response)
	OnTransactionFailed(tx *Transaction, res *sip.Response, err error)
}

// ListenerFuncs адаптер функций к Listener. Nil функции пропускаются.
type ListenerFuncs struct {
	Succeeded func(tx *Transaction, res *sip.Response)
	Failed    func(tx *Transaction, res *sip.Response, err error)
}

func (f ListenerFuncs) OnTransactionSucceeded(tx *Transaction, res *sip.Response) {
	if f.Succeeded != nil {
		f.Succeeded(tx, res)
	}
}

func (f ListenerFuncs) OnTransactionFailed(tx *Transaction, res *sip.Response, err error) {
	if f.Failed != nil {
		f.Failed(tx, res, err)
	}
}

// Result итог транзакции
type Result struct {
	Response *sip.Response
	Err      error
}

// Transaction клиентская транзакция, ожидающая финального ответа.
//
// Идентификатор транзакции совпадает с ее branch. Переход в конечное
// состояние выполняется через fsm и происходит ровно один раз.
type Transaction struct {
	id         string
	key        message.Key
	request    *sip.Request
	listener   Listener
	connID     string
	attachment any
	created    time.Time
	timeout    time.Duration

	tracker *Tracker
	fsm     *fsm.FSM

	timerMu sync.Mutex
	timer   *time.Timer

	done   chan struct{}
	result Result
}

func newTransaction(t *Tracker, req *sip.Request, key message.Key, l Listener, o createOptions) *Transaction {
	return &Transaction{
		id:         key.Branch,
		key:        key,
		request:    req,
		listener:   l,
		connID:     o.connID,
		attachment: o.attachment,
		created:    time.Now(),
		timeout:    o.timeout,
		tracker:    t,
		fsm:        newTransactionFSM(),
		done:       make(chan struct{}),
	}
}

func newTransactionFSM() *fsm.FSM {
	pending := []string{string(StatePending)}
	return fsm.NewFSM(
		string(StatePending),
		fsm.Events{
			{Name: eventSucceed, Src: pending, Dst: string(StateSucceeded)},
			{Name: eventFail, Src: pending, Dst: string(StateFailed)},
			{Name: eventTimeout, Src: pending, Dst: string(StateTimedOut)},
		},
		fsm.Callbacks{},
	)
}

// ID возвращает идентификатор (branch) транзакции
func (tx *Transaction) ID() string { return tx.id }

// Branch значение параметра branch верхнего Via запроса
func (tx *Transaction) Branch() string { return tx.key.Branch }

// Key ключ сопоставления ответов
func (tx *Transaction) Key() message.Key { return tx.key }

// Method метод запроса
func (tx *Transaction) Method() sip.RequestMethod { return tx.key.Method }

// Request исходный запрос
func (tx *Transaction) Request() *sip.Request { return tx.request }

// ConnectionID идентификатор соединения, через которое отправлен запрос
func (tx *Transaction) ConnectionID() string { return tx.connID }

// Attachment данные, сохраненные через WithAttachment
func (tx *Transaction) Attachment() any { return tx.attachment }

// State текущее состояние
func (tx *Transaction) State() State { return State(tx.fsm.Current()) }

// Done закрывается после перехода в конечное состояние
func (tx *Transaction) Done() <-chan struct{} { return tx.done }

// Result возвращает итог, если транзакция завершена
func (tx *Transaction) Result() (Result, bool) {
	select {
	case <-tx.done:
		return tx.result, true
	default:
		return Result{}, false
	}
}

// Wait блокируется до завершения транзакции или отмены ctx.
// Отмена ctx не завершает саму транзакцию.
func (tx *Transaction) Wait(ctx context.Context) (*sip.Response, error) {
	select {
	case <-tx.done:
		return tx.result.Response, tx.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel завершает ожидающую транзакцию с ErrCanceled. Идемпотентен.
func (tx *Transaction) Cancel() bool {
	return tx.tracker.Cancel(tx.id)
}

func (tx *Transaction) armTimer(fn func()) {
	tx.timerMu.Lock()
	defer tx.timerMu.Unlock()
	tx.timer = time.AfterFunc(tx.timeout, fn)
}

func (tx *Transaction) stopTimer() {
	tx.timerMu.Lock()
	defer tx.timerMu.Unlock()
	if tx.timer != nil {
		tx.timer.Stop()
		tx.timer = nil
	}
}
