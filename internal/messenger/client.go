// Package messenger собирает транспорт, хранилище, контроллер комнат и счетчики
// непрочитанных в один клиент для UI.
package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rajivgeraev/linguachat/internal/auth"
	"github.com/rajivgeraev/linguachat/internal/config"
	"github.com/rajivgeraev/linguachat/internal/membership"
	"github.com/rajivgeraev/linguachat/internal/models"
	"github.com/rajivgeraev/linguachat/internal/services/chat"
	"github.com/rajivgeraev/linguachat/internal/store"
	"github.com/rajivgeraev/linguachat/internal/unread"
	"github.com/rajivgeraev/linguachat/internal/websocket"
)

// RoomAPI - REST-эндпоинты, которые использует клиент
type RoomAPI interface {
	GetMyRooms(ctx context.Context) ([]models.Room, error)
	GetRecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, roomID string) error
}

// StateStore сохраняет состояние комнат и последнюю открытую комнату
type StateStore interface {
	unread.StateRepository
	SetLastRoom(roomID string) error
	LastRoom() (string, error)
}

// Option настраивает Client
type Option func(*Client)

// WithAPI подменяет REST-клиент
func WithAPI(api RoomAPI) Option {
	return func(c *Client) {
		c.api = api
	}
}

// WithStateStore включает локальное сохранение состояния
func WithStateStore(s StateStore) Option {
	return func(c *Client) {
		c.state = s
	}
}

// Client - точка входа для UI
type Client struct {
	session    *websocket.Session
	store      *store.Store
	controller *membership.Controller
	aggregator *unread.Aggregator
	api        RoomAPI
	state      StateStore

	selfID         string
	historyLimit   int
	requestTimeout time.Duration
	offResume      func()
}

// New собирает клиент из конфигурации. Соединение не открывается до Connect или Enter.
func New(cfg *config.Config, tokens auth.TokenSource, opts ...Option) *Client {
	c := &Client{
		selfID:         resolveSelfID(cfg, tokens),
		historyLimit:   cfg.HistoryLimit,
		requestTimeout: cfg.RequestTimeout,
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil {
		c.api = chat.NewChatService(cfg, tokens)
	}

	c.session = websocket.NewSession(websocket.Config{
		URL:              cfg.WSURL,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		HeartBeat:        cfg.Transport.HeartBeat,
		Retry: websocket.RetryPolicy{
			MaxAttempts: cfg.Transport.RetryAttempts,
			Backoff:     cfg.Transport.RetryBackoff,
		},
	}, tokens)

	c.store = store.New(store.WithPendingTolerance(cfg.PendingTolerance))

	aggOpts := []unread.Option{
		unread.WithActiveRoom(func() string { return c.controller.ActiveRoom() }),
	}
	if c.state != nil {
		aggOpts = append(aggOpts, unread.WithRepository(c.state))
	}
	c.aggregator = unread.New(c.store, c.selfID, aggOpts...)
	if err := c.aggregator.Restore(); err != nil {
		log.Error().Err(err).Msg("Не удалось восстановить состояние комнат")
	}

	c.controller = membership.New(c.session, c.store, membership.Config{
		Destinations: membership.Destinations{
			Enter:     cfg.Destinations.Enter,
			Send:      cfg.Destinations.Send,
			RoomTopic: cfg.Destinations.RoomTopic,
		},
		SelfID:         c.selfID,
		SelfName:       cfg.UserName,
		OptimisticEcho: cfg.OptimisticEcho,
	}, membership.WithRoomLookup(c.aggregator.Room))

	// После автоматического возврата в комнату догружаем пропущенное
	c.offResume = c.controller.OnChange(func(ch membership.Change) {
		if ch.Phase == membership.PhaseActive && ch.Resumed {
			go c.resume(ch.RoomID)
		}
	})

	return c
}

// resolveSelfID берет ID из конфигурации, иначе из токена
func resolveSelfID(cfg *config.Config, tokens auth.TokenSource) string {
	if cfg.UserID != "" {
		return cfg.UserID
	}
	tok, err := tokens.Token()
	if err != nil {
		return ""
	}
	id, err := auth.UserIDFromToken(tok)
	if err != nil {
		log.Warn().Err(err).Msg("ID пользователя не определен, свои сообщения будут считаться непрочитанными")
		return ""
	}
	return id
}

// SelfID возвращает ID локального пользователя
func (c *Client) SelfID() string {
	return c.selfID
}

// Connect открывает STOMP-сессию
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Disconnect закрывает сессию и отменяет переподключение
func (c *Client) Disconnect() {
	c.session.Disconnect()
}

// Close освобождает подписки на события и закрывает соединение
func (c *Client) Close() {
	c.offResume()
	c.controller.Close()
	c.aggregator.Close()
	c.session.Disconnect()
}

// ConnectionState возвращает состояние транспорта
func (c *Client) ConnectionState() websocket.State {
	return c.session.State()
}

// OnConnectionState подписывает обработчик на состояние соединения
func (c *Client) OnConnectionState(handler func(websocket.StateChange)) func() {
	return c.session.OnStateChange(handler)
}

// OnRoomUpdate подписывает обработчик на изменение комнат
func (c *Client) OnRoomUpdate(handler func(models.Room)) func() {
	return c.aggregator.OnUpdate(handler)
}

// OnMessage подписывает обработчик на изменения лога сообщений
func (c *Client) OnMessage(handler func(store.Mutation)) func() {
	return c.store.OnMutation(handler)
}

// OnMembership подписывает обработчик на вход и выход из комнат
func (c *Client) OnMembership(handler func(membership.Change)) func() {
	return c.controller.OnChange(handler)
}

// Enter открывает комнату: подписка, отметка о прочтении, загрузка истории.
// Ошибка загрузки истории не отменяет вход.
func (c *Client) Enter(ctx context.Context, roomID string) error {
	if err := c.controller.Enter(ctx, roomID); err != nil {
		return err
	}
	c.rememberRoom(roomID)
	c.catchUp(ctx, roomID)
	return nil
}

// catchUp отмечает комнату прочитанной и сливает историю.
// Ошибка загрузки истории только логируется.
func (c *Client) catchUp(ctx context.Context, roomID string) {
	c.markRead(ctx, roomID)

	if _, err := c.LoadHistory(ctx, roomID); err != nil {
		log.Warn().Err(err).Str("roomID", roomID).Msg("История не загружена")
		return
	}
	// История могла прийти после выхода из комнаты
	if c.controller.ActiveRoom() == roomID {
		c.markRead(ctx, roomID)
	}
}

// resume вызывается после возврата в комнату при переподключении
func (c *Client) resume(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	c.catchUp(ctx, roomID)
}

// Leave закрывает активную комнату
func (c *Client) Leave() error {
	if err := c.controller.Leave(); err != nil {
		return err
	}
	c.rememberRoom("")
	return nil
}

// ActiveRoom возвращает открытую комнату или ""
func (c *Client) ActiveRoom() string {
	return c.controller.ActiveRoom()
}

// Send отправляет сообщение в активную комнату
func (c *Client) Send(content string) error {
	return c.controller.Send(content)
}

// Messages возвращает упорядоченные сообщения комнаты
func (c *Client) Messages(roomID string) []models.ChatMessage {
	return c.store.Get(roomID)
}

// LoadHistory загружает последние сообщения комнаты и сливает их с логом.
// Возвращает только новые сообщения.
func (c *Client) LoadHistory(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	messages, err := c.api.GetRecentMessages(ctx, roomID, c.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("загрузка истории %s: %w", roomID, err)
	}
	return c.store.LoadHistory(roomID, messages), nil
}

// MarkRead обнуляет счетчик локально и сообщает серверу
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	c.aggregator.MarkRead(roomID)
	return c.api.MarkRead(ctx, roomID)
}

func (c *Client) markRead(ctx context.Context, roomID string) {
	if err := c.MarkRead(ctx, roomID); err != nil {
		log.Warn().Err(err).Str("roomID", roomID).Msg("Не удалось отметить комнату прочитанной")
	}
}

// RefreshRooms запрашивает список комнат и возвращает его в порядке свежести
func (c *Client) RefreshRooms(ctx context.Context) ([]models.Room, error) {
	rooms, err := c.api.GetMyRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("загрузка комнат: %w", err)
	}
	c.aggregator.SetRooms(rooms)
	return c.aggregator.Rooms(), nil
}

// Rooms возвращает известные комнаты в порядке свежести
func (c *Client) Rooms() []models.Room {
	return c.aggregator.Rooms()
}

// Room возвращает комнату по ID
func (c *Client) Room(roomID string) (models.Room, bool) {
	return c.aggregator.Room(roomID)
}

// TotalUnread возвращает сумму непрочитанных
func (c *Client) TotalUnread() int {
	return c.aggregator.TotalUnread()
}

// LastRoom возвращает комнату, открытую в прошлый раз
func (c *Client) LastRoom() string {
	if c.state == nil {
		return ""
	}
	room, err := c.state.LastRoom()
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось прочитать последнюю комнату")
		return ""
	}
	return room
}

func (c *Client) rememberRoom(roomID string) {
	if c.state == nil {
		return
	}
	if err := c.state.SetLastRoom(roomID); err != nil {
		log.Warn().Err(err).Msg("Не удалось сохранить последнюю комнату")
	}
}
