package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rajivgeraev/linguachat/internal/events"
	"github.com/rajivgeraev/linguachat/internal/models"
	"github.com/rajivgeraev/linguachat/internal/websocket"
)

var (
	ErrAlreadyEntering  = errors.New("вход в комнату вытеснен более новым запросом")
	ErrConnectionFailed = errors.New("не удалось подключиться к чату")
	ErrNoActiveRoom     = errors.New("нет активной комнаты")
	ErrInvalidRoom      = errors.New("не указан ID комнаты")
	ErrRoomPending      = errors.New("заявка на чат еще не принята")
)

// Transport - то, что контроллеру нужно от STOMP-сессии
type Transport interface {
	Connect(ctx context.Context) error
	State() websocket.State
	Subscribe(topic string, handler websocket.Handler) (websocket.Subscription, error)
	Unsubscribe(topic string) error
	Publish(destination string, payload interface{}) error
	OnStateChange(handler func(websocket.StateChange)) func()
}

// Sink принимает живые сообщения активной комнаты
type Sink interface {
	AppendLive(roomID string, msg models.ChatMessage) bool
	RemovePending(roomID, id string) bool
}

// Destinations - адреса управляющих кадров и шаблон топика комнаты
type Destinations struct {
	Enter     string
	Send      string
	RoomTopic string // {roomId} заменяется на ID комнаты
}

// DefaultDestinations возвращает адреса, принятые на сервере по умолчанию
func DefaultDestinations() Destinations {
	return Destinations{
		Enter:     "/app/chat.enter",
		Send:      "/app/chat.send",
		RoomTopic: "/topic/room/{roomId}",
	}
}

// Topic возвращает топик комнаты
func (d Destinations) Topic(roomID string) string {
	return strings.ReplaceAll(d.RoomTopic, "{roomId}", roomID)
}

// Phase - фаза конечного автомата членства
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseEntering Phase = "entering"
	PhaseActive   Phase = "active"
)

// Change доставляется наблюдателям при смене фазы.
// Resumed отмечает автоматический возврат в комнату после обрыва.
type Change struct {
	Phase   Phase
	RoomID  string
	Resumed bool
}

// Config - параметры контроллера
type Config struct {
	Destinations   Destinations
	SelfID         string
	SelfName       string
	OptimisticEcho bool
}

// Option настраивает Controller
type Option func(*Controller)

// WithRoomLookup задает поиск известных комнат, чтобы отклонять вход в PENDING-заявки
func WithRoomLookup(fn func(roomID string) (models.Room, bool)) Option {
	return func(c *Controller) {
		c.lookupRoom = fn
	}
}

// WithClock подменяет источник времени для локального эха
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller держит не более одной подписки на комнату
type Controller struct {
	transport  Transport
	sink       Sink
	cfg        Config
	lookupRoom func(roomID string) (models.Room, bool)
	now        func() time.Time

	// flow сериализует сценарии входа и выхода
	flow sync.Mutex

	mu       sync.Mutex
	phase    Phase
	room     string
	gen      uint64
	lostRoom string

	changes  *events.Emitter[Change]
	offState func()
}

// New создает контроллер в фазе Idle и подписывается на состояние транспорта
func New(transport Transport, sink Sink, cfg Config, opts ...Option) *Controller {
	if cfg.Destinations == (Destinations{}) {
		cfg.Destinations = DefaultDestinations()
	}
	c := &Controller{
		transport: transport,
		sink:      sink,
		cfg:       cfg,
		now:       time.Now,
		phase:     PhaseIdle,
		changes:   events.NewEmitter[Change](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.offState = transport.OnStateChange(c.onTransportState)
	return c
}

// Close отписывается от транспорта
func (c *Controller) Close() {
	c.offState()
}

// OnChange подписывает обработчик на смену фазы
func (c *Controller) OnChange(handler func(Change)) func() {
	return c.changes.On(handler)
}

// ActiveRoom возвращает активную комнату или ""
func (c *Controller) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseActive {
		return ""
	}
	return c.room
}

// Phase возвращает текущую фазу и комнату
func (c *Controller) Phase() (Phase, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase, c.room
}

// Enter делает roomID единственной комнатой с живой подпиской.
// Повторный вход в активную комнату ничего не делает.
func (c *Controller) Enter(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	if c.lookupRoom != nil {
		if room, ok := c.lookupRoom(roomID); ok && !room.Enterable() {
			return fmt.Errorf("%w: %s", ErrRoomPending, roomID)
		}
	}

	gen := c.bump()

	c.flow.Lock()
	defer c.flow.Unlock()

	return c.enter(ctx, roomID, gen, false)
}

// enter выполняет вход под flow от имени поколения gen, не увеличивая его
func (c *Controller) enter(ctx context.Context, roomID string, gen uint64, resumed bool) error {
	if c.superseded(gen) {
		return ErrAlreadyEntering
	}

	c.mu.Lock()
	if c.phase == PhaseActive && c.room == roomID {
		c.mu.Unlock()
		return nil
	}
	prev := ""
	if c.phase == PhaseActive {
		prev = c.room
	}
	c.mu.Unlock()

	if prev != "" {
		c.leaveRoom(prev)
	}
	c.setPhase(PhaseEntering, roomID)

	if err := c.transport.Connect(ctx); err != nil {
		c.setPhase(PhaseIdle, "")
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if c.superseded(gen) {
		c.setPhase(PhaseIdle, "")
		return ErrAlreadyEntering
	}

	// Сначала объявляем вход, затем подписываемся на топик
	if err := c.transport.Publish(c.cfg.Destinations.Enter, models.EnterRoomRequest{RoomID: roomID}); err != nil {
		c.setPhase(PhaseIdle, "")
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	topic := c.cfg.Destinations.Topic(roomID)
	_, err := c.transport.Subscribe(topic, c.handler(roomID))
	if errors.Is(err, websocket.ErrSubscriptionConflict) {
		log.Warn().Str("topic", topic).Msg("Найдена лишняя подписка, переподписываемся")
		_ = c.transport.Unsubscribe(topic)
		_, err = c.transport.Subscribe(topic, c.handler(roomID))
	}
	if err != nil {
		c.setPhase(PhaseIdle, "")
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	c.lostRoom = ""
	c.mu.Unlock()
	c.transition(Change{Phase: PhaseActive, RoomID: roomID, Resumed: resumed})

	log.Info().Str("roomID", roomID).Bool("resumed", resumed).Msg("Вход в комнату выполнен")
	return nil
}

// Leave снимает подписку активной комнаты. Сообщения в хранилище остаются.
func (c *Controller) Leave() error {
	c.bump()

	c.flow.Lock()
	defer c.flow.Unlock()

	c.mu.Lock()
	phase, room := c.phase, c.room
	c.mu.Unlock()

	if phase != PhaseActive {
		return nil
	}
	c.leaveRoom(room)
	log.Info().Str("roomID", room).Msg("Выход из комнаты")
	return nil
}

// leaveRoom вызывается под flow
func (c *Controller) leaveRoom(roomID string) {
	topic := c.cfg.Destinations.Topic(roomID)
	if err := c.transport.Unsubscribe(topic); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Не удалось отписаться от комнаты")
	}
	c.setPhase(PhaseIdle, "")
}

// Send публикует сообщение в активную комнату. Без соединения сразу возвращает ошибку.
func (c *Controller) Send(content string) error {
	if err := models.ValidateMessage(content); err != nil {
		return err
	}

	if c.transport.State() != websocket.StateConnected {
		return fmt.Errorf("отправка сообщения: %w", websocket.ErrNotConnected)
	}
	room := c.ActiveRoom()
	if room == "" {
		return ErrNoActiveRoom
	}

	req := models.SendMessageRequest{
		RoomID:          room,
		Content:         content,
		ClientMessageID: "local-" + uuid.NewString(),
	}

	echoed := false
	if c.cfg.OptimisticEcho && c.sink != nil {
		echoed = c.sink.AppendLive(room, models.ChatMessage{
			ID:                req.ClientMessageID,
			RoomID:            room,
			SenderID:          c.cfg.SelfID,
			SenderDisplayName: c.cfg.SelfName,
			Content:           content,
			Timestamp:         c.now(),
			IsPending:         true,
		})
	}

	if err := c.transport.Publish(c.cfg.Destinations.Send, req); err != nil {
		if echoed {
			c.sink.RemovePending(room, req.ClientMessageID)
		}
		return fmt.Errorf("отправка в %s: %w", room, err)
	}
	return nil
}

// handler разбирает MESSAGE кадры топика комнаты
func (c *Controller) handler(roomID string) websocket.Handler {
	return func(f websocket.Frame) {
		var msg models.ChatMessage
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			log.Warn().Err(err).Str("roomID", roomID).Msg("Не удалось разобрать сообщение")
			return
		}
		if msg.RoomID != "" && msg.RoomID != roomID {
			log.Debug().Str("roomID", roomID).Str("messageRoomID", msg.RoomID).Msg("Сообщение другой комнаты")
		}
		if c.sink != nil {
			c.sink.AppendLive(roomID, msg)
		}
	}
}

// onTransportState следит за обрывами: подписки теряются вместе с соединением,
// поэтому после переподключения вход повторяется
func (c *Controller) onTransportState(change websocket.StateChange) {
	switch change.State {
	case websocket.StateDisconnected:
		c.mu.Lock()
		if c.phase != PhaseActive {
			c.mu.Unlock()
			return
		}
		room := c.room
		if change.Err != nil {
			c.lostRoom = room
		}
		c.mu.Unlock()

		log.Warn().Err(change.Err).Str("roomID", room).Msg("Подписка на комнату потеряна")
		c.setPhase(PhaseIdle, "")

	case websocket.StateConnected:
		c.mu.Lock()
		room, gen := c.lostRoom, c.gen
		c.mu.Unlock()
		if room == "" {
			return
		}
		go c.reenter(room, gen)
	}
}

// reenter возвращает потерянную комнату, если с момента переподключения
// пользователь не входил и не выходил
func (c *Controller) reenter(roomID string, gen uint64) {
	c.flow.Lock()
	defer c.flow.Unlock()

	c.mu.Lock()
	stale := c.lostRoom != roomID || c.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}

	if err := c.enter(context.Background(), roomID, gen, true); err != nil {
		log.Error().Err(err).Str("roomID", roomID).Msg("Не удалось вернуться в комнату после переподключения")
		return
	}
	log.Info().Str("roomID", roomID).Msg("Подписка на комнату восстановлена")
}

// bump открывает новое поколение намерений пользователя и забывает потерянную комнату
func (c *Controller) bump() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lostRoom = ""
	return c.gen
}

func (c *Controller) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

func (c *Controller) setPhase(phase Phase, roomID string) {
	c.transition(Change{Phase: phase, RoomID: roomID})
}

func (c *Controller) transition(change Change) {
	c.mu.Lock()
	if c.phase == change.Phase && c.room == change.RoomID {
		c.mu.Unlock()
		return
	}
	c.phase = change.Phase
	c.room = change.RoomID
	c.mu.Unlock()

	c.changes.Emit(change)
}
