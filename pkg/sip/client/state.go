package client

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// State состояние клиента
type State string

const (
	StateDisconnected          State = "disconnected"
	StateConnecting            State = "connecting"
	StateConnectedUnregistered State = "connected_unregistered"
	StateRegistered            State = "registered"
	StateFailed                State = "failed"
)

const (
	eventConnect    = "connect"
	eventConnected  = "connected"
	eventRegistered = "registered"
	eventLost       = "lost"
	eventDisconnect = "disconnect"
	eventFail       = "fail"
	eventClose      = "close"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnectedUnregistered),
	string(StateRegistered),
	string(StateFailed),
}

// newStateMachine создает FSM жизненного цикла клиента:
//
//	disconnected -> connecting -> connected_unregistered -> registered
//	registered -> connecting (потеря соединения, переподключение)
//	любое -> failed (переподключение не удалось)
func newStateMachine(onChange func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected), string(StateFailed)}, Dst: string(StateConnecting)},
			{Name: eventConnected, Src: []string{string(StateConnecting)}, Dst: string(StateConnectedUnregistered)},
			{Name: eventRegistered, Src: []string{string(StateConnectedUnregistered)}, Dst: string(StateRegistered)},
			{Name: eventLost, Src: []string{string(StateConnectedUnregistered), string(StateRegistered)}, Dst: string(StateConnecting)},
			{Name: eventDisconnect, Src: []string{string(StateConnecting), string(StateConnectedUnregistered), string(StateRegistered)}, Dst: string(StateDisconnected)},
			{Name: eventFail, Src: []string{string(StateDisconnected), string(StateConnecting), string(StateConnectedUnregistered), string(StateRegistered)}, Dst: string(StateFailed)},
			{Name: eventClose, Src: allStates, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onChange(e.Src, e.Dst)
			},
		},
	)
}

// transition выполняет событие FSM. Недопустимый переход только логируется.
func (c *Client) transition(event string) bool {
	if err := c.state.Event(context.Background(), event); err != nil {
		c.logger.Debug("Переход состояния пропущен",
			slog.String("event", event),
			slog.String("state", c.state.Current()),
			slog.Any("error", err))
		return false
	}
	return true
}

func (c *Client) onStateChange(from, to string) {
	c.logger.Info("Состояние клиента изменено",
		slog.String("from", from),
		slog.String("to", to))
	c.metrics.StateChanged(from, to)
}

// State текущее состояние клиента
func (c *Client) State() State {
	return State(c.state.Current())
}
