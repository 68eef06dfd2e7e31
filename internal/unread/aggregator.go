package unread

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rajivgeraev/linguachat/internal/events"
	"github.com/rajivgeraev/linguachat/internal/models"
	"github.com/rajivgeraev/linguachat/internal/store"
)

// Source - поток изменений хранилища сообщений
type Source interface {
	OnMutation(handler func(store.Mutation)) func()
	MarkRead(roomID string) int
	Last(roomID string) (models.ChatMessage, bool)
}

// StateRepository сохраняет состояние комнат между запусками
type StateRepository interface {
	SaveRoom(room models.Room) error
	LoadRooms() ([]models.Room, error)
}

// Option настраивает Aggregator
type Option func(*Aggregator)

// WithRepository включает сквозную запись состояния комнат
func WithRepository(repo StateRepository) Option {
	return func(a *Aggregator) {
		a.repo = repo
	}
}

// WithActiveRoom задает функцию, возвращающую открытую сейчас комнату
func WithActiveRoom(fn func() string) Option {
	return func(a *Aggregator) {
		a.active = fn
	}
}

// Aggregator считает непрочитанные и превью комнат по изменениям хранилища
type Aggregator struct {
	src    Source
	selfID string
	active func() string
	repo   StateRepository

	mu      sync.RWMutex
	rooms   map[string]*models.Room
	updates *events.Emitter[models.Room]
	off     func()
}

// New подписывает агрегатор на хранилище. selfID - ID локального пользователя.
func New(src Source, selfID string, opts ...Option) *Aggregator {
	a := &Aggregator{
		src:     src,
		selfID:  selfID,
		active:  func() string { return "" },
		rooms:   make(map[string]*models.Room),
		updates: events.NewEmitter[models.Room](),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.off = src.OnMutation(a.apply)
	return a
}

// Close отписывается от хранилища
func (a *Aggregator) Close() {
	a.off()
}

// OnUpdate подписывает обработчик на изменение комнаты
func (a *Aggregator) OnUpdate(handler func(models.Room)) func() {
	return a.updates.On(handler)
}

// Restore загружает сохраненное состояние. Известные комнаты не перезаписываются.
func (a *Aggregator) Restore() error {
	if a.repo == nil {
		return nil
	}
	rooms, err := a.repo.LoadRooms()
	if err != nil {
		return err
	}

	a.mu.Lock()
	for _, r := range rooms {
		if _, ok := a.rooms[r.RoomID]; ok || r.RoomID == "" {
			continue
		}
		room := r
		a.rooms[r.RoomID] = &room
	}
	a.mu.Unlock()

	log.Debug().Int("rooms", len(rooms)).Msg("Состояние комнат восстановлено")
	return nil
}

// SetRooms принимает список комнат с сервера. Локальное превью остается,
// если оно новее серверного.
func (a *Aggregator) SetRooms(rooms []models.Room) {
	active := a.active()
	var changed []models.Room

	a.mu.Lock()
	for _, r := range rooms {
		if r.RoomID == "" {
			continue
		}
		incoming := r
		if incoming.UnreadCount < 0 {
			incoming.UnreadCount = 0
		}

		local, ok := a.rooms[r.RoomID]
		if ok && newer(local.LastMessageTimestamp, incoming.LastMessageTimestamp) {
			incoming.LastMessagePreview = local.LastMessagePreview
			incoming.LastMessageTimestamp = local.LastMessageTimestamp
			incoming.UnreadCount = local.UnreadCount
		}
		if r.RoomID == active {
			incoming.UnreadCount = 0
		}

		a.rooms[r.RoomID] = &incoming
		changed = append(changed, incoming)
	}
	a.mu.Unlock()

	a.publish(changed)
}

func (a *Aggregator) apply(m store.Mutation) {
	var room models.Room
	switch m.Kind {
	case store.MutationLive:
		room = a.applyLive(m.RoomID, m.Added)
	case store.MutationHistory:
		var ok bool
		if room, ok = a.applyHistory(m.RoomID, m.Added); !ok {
			return
		}
	case store.MutationRetracted:
		var ok bool
		if room, ok = a.applyRetracted(m.RoomID); !ok {
			return
		}
	default:
		return
	}
	a.publish([]models.Room{room})
}

// applyLive обновляет превью каждым новым сообщением и считает чужие
// сообщения вне открытой комнаты
func (a *Aggregator) applyLive(roomID string, added []models.ChatMessage) models.Room {
	active := a.active()

	a.mu.Lock()
	defer a.mu.Unlock()

	room := a.room(roomID)
	for _, msg := range added {
		setPreview(room, msg)
		if a.countsAsUnread(roomID, msg, active) {
			room.UnreadCount++
		}
	}
	return *room
}

func (a *Aggregator) countsAsUnread(roomID string, msg models.ChatMessage, active string) bool {
	if msg.IsPending {
		return false
	}
	if a.selfID != "" && msg.SenderID == a.selfID {
		return false
	}
	return roomID != active
}

// applyHistory двигает превью, только если история принесла более новое сообщение
func (a *Aggregator) applyHistory(roomID string, added []models.ChatMessage) (models.Room, bool) {
	var latest *models.ChatMessage
	for i := range added {
		if latest == nil || added[i].Timestamp.After(latest.Timestamp) {
			latest = &added[i]
		}
	}
	if latest == nil {
		return models.Room{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	room := a.room(roomID)
	if room.LastMessageTimestamp != nil && !latest.Timestamp.After(*room.LastMessageTimestamp) {
		return models.Room{}, false
	}
	setPreview(room, *latest)
	return *room, true
}

// applyRetracted пересчитывает превью по последнему сообщению хранилища
func (a *Aggregator) applyRetracted(roomID string) (models.Room, bool) {
	last, ok := a.src.Last(roomID)

	a.mu.Lock()
	defer a.mu.Unlock()

	room, known := a.rooms[roomID]
	if !known {
		return models.Room{}, false
	}
	if ok {
		setPreview(room, last)
	} else {
		room.LastMessagePreview = ""
		room.LastMessageTimestamp = nil
	}
	return *room, true
}

// room возвращает запись комнаты, создавая ее при необходимости. Вызывается под mu.
func (a *Aggregator) room(roomID string) *models.Room {
	r, ok := a.rooms[roomID]
	if !ok {
		r = &models.Room{RoomID: roomID}
		a.rooms[roomID] = r
	}
	return r
}

func setPreview(r *models.Room, msg models.ChatMessage) {
	ts := msg.Timestamp
	r.LastMessagePreview = msg.Content
	r.LastMessageTimestamp = &ts
}

func newer(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

// MarkRead обнуляет счетчик и помечает сообщения комнаты прочитанными
func (a *Aggregator) MarkRead(roomID string) {
	a.src.MarkRead(roomID)

	a.mu.Lock()
	room, ok := a.rooms[roomID]
	if !ok || room.UnreadCount == 0 {
		a.mu.Unlock()
		return
	}
	room.UnreadCount = 0
	snapshot := *room
	a.mu.Unlock()

	a.publish([]models.Room{snapshot})
}

// publish сохраняет и рассылает изменения вне блокировки
func (a *Aggregator) publish(rooms []models.Room) {
	for _, r := range rooms {
		if a.repo != nil {
			if err := a.repo.SaveRoom(r); err != nil {
				log.Error().Err(err).Str("roomID", r.RoomID).Msg("Не удалось сохранить состояние комнаты")
			}
		}
		a.updates.Emit(r)
	}
}

// Room возвращает копию комнаты
func (a *Aggregator) Room(roomID string) (models.Room, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.rooms[roomID]
	if !ok {
		return models.Room{}, false
	}
	return *r, true
}

// Status возвращает статус комнаты, если он известен
func (a *Aggregator) Status(roomID string) (models.RoomStatus, bool) {
	r, ok := a.Room(roomID)
	if !ok || r.Status == "" {
		return "", false
	}
	return r.Status, true
}

// UnreadCount возвращает число непрочитанных в комнате
func (a *Aggregator) UnreadCount(roomID string) int {
	r, _ := a.Room(roomID)
	return r.UnreadCount
}

// TotalUnread возвращает сумму непрочитанных по всем комнатам
func (a *Aggregator) TotalUnread() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, r := range a.rooms {
		total += r.UnreadCount
	}
	return total
}

// Rooms возвращает комнаты, свежие сверху. Комнаты без сообщений - в конце.
func (a *Aggregator) Rooms() []models.Room {
	a.mu.RLock()
	rooms := make([]models.Room, 0, len(a.rooms))
	for _, r := range a.rooms {
		rooms = append(rooms, *r)
	}
	a.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		ti, tj := rooms[i].LastMessageTimestamp, rooms[j].LastMessageTimestamp
		switch {
		case ti == nil && tj == nil:
			return rooms[i].RoomID < rooms[j].RoomID
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.After(*tj)
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
	return rooms
}
