package message

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Key идентифицирует клиентскую транзакцию по branch, методу CSeq и Call-ID.
// Ответ сопоставляется с запросом только при совпадении всех трех полей.
type Key struct {
	Branch string
	Method sip.RequestMethod
	CallID string
}

// String возвращает строковое представление ключа
func (k Key) String() string {
	return k.Branch + "|" + string(k.Method) + "|" + k.CallID
}

// KeyFromRequest строит ключ транзакции из исходящего запроса
func KeyFromRequest(req *sip.Request) (Key, error) {
	if req == nil {
		return Key{}, fmt.Errorf("%w: nil request", ErrMissingHeader)
	}
	return keyFromMessage(req)
}

// KeyFromResponse строит ключ транзакции из ответа
func KeyFromResponse(res *sip.Response) (Key, error) {
	if res == nil {
		return Key{}, fmt.Errorf("%w: nil response", ErrMissingHeader)
	}
	return keyFromMessage(res)
}

func keyFromMessage(msg sip.Message) (Key, error) {
	branch := Branch(msg)
	if branch == "" {
		return Key{}, ErrMissingBranch
	}
	cseq := msg.CSeq()
	if cseq == nil {
		return Key{}, fmt.Errorf("%w: CSeq", ErrMissingHeader)
	}
	callID := msg.CallID()
	if callID == nil {
		return Key{}, fmt.Errorf("%w: Call-ID", ErrMissingHeader)
	}
	return Key{
		Branch: branch,
		Method: cseq.MethodName,
		CallID: callID.Value(),
	}, nil
}

// Branch извлекает branch из верхнего заголовка Via.
// Возвращает пустую строку, если branch отсутствует.
func Branch(msg sip.Message) string {
	if via := msg.Via(); via != nil && via.Params != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			return branch
		}
	}
	return ""
}

// IsProvisional 1xx
func IsProvisional(res *sip.Response) bool {
	return res.StatusCode >= 100 && res.StatusCode < 200
}

// IsSuccess 2xx
func IsSuccess(res *sip.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}
