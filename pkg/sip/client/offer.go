package client

import (
	"errors"
	"fmt"

	"github.com/arzzra/sipoffer/pkg/offeranswer"
	"github.com/arzzra/sipoffer/pkg/sip/transaction"
	"github.com/arzzra/sipoffer/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
)

// offerListener закрывает сессию offerer неуспешной транзакции и передает
// итог listener вызывающего
type offerListener struct {
	next    transaction.Listener
	session offeranswer.Session
}

func (o *offerListener) OnTransactionSucceeded(tx *transaction.Transaction, res *sip.Response) {
	if o.next != nil {
		o.next.OnTransactionSucceeded(tx, res)
	}
}

func (o *offerListener) OnTransactionFailed(tx *transaction.Transaction, res *sip.Response, err error) {
	if o.session != nil {
		_ = o.session.Close()
	}
	if o.next != nil {
		o.next.OnTransactionFailed(tx, res, err)
	}
}

// sendError приводит ошибку постановки в очередь закрытого соединения к
// transaction.ErrConnectionLost
func sendError(err error) error {
	if errors.Is(err, transport.ErrConnectionClosed) && !errors.Is(err, transaction.ErrConnectionLost) {
		return fmt.Errorf("%w: %v", transaction.ErrConnectionLost, err)
	}
	return err
}
