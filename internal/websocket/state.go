package websocket

import (
	"errors"
	"fmt"
)

// State - состояние транспортной сессии
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateChange доставляется наблюдателям при каждом переходе
type StateChange struct {
	State State
	Err   error
}

var (
	ErrConnectionTimeout    = errors.New("превышено время ожидания рукопожатия")
	ErrNotConnected         = errors.New("сессия не подключена")
	ErrSubscriptionConflict = errors.New("на топик уже есть подписка")
	ErrSendBufferFull       = errors.New("буфер исходящих кадров переполнен")
	ErrClosed               = errors.New("сессия закрыта вручную")
)

// ProtocolError - кадр ERROR от брокера
type ProtocolError struct {
	Message string
	Details string
}

func (e *ProtocolError) Error() string {
	if e.Details == "" {
		return "ошибка протокола: " + e.Message
	}
	return fmt.Sprintf("ошибка протокола: %s (%s)", e.Message, e.Details)
}
