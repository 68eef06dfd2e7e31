package store

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rajivgeraev/linguachat/internal/events"
	"github.com/rajivgeraev/linguachat/internal/models"
)

// DefaultPendingTolerance - окно, в котором локальное эхо считается копией серверного сообщения
const DefaultPendingTolerance = time.Second

// MutationKind определяет источник изменения лога комнаты
type MutationKind string

const (
	MutationLive      MutationKind = "live"
	MutationHistory   MutationKind = "history"
	MutationRetracted MutationKind = "retracted"
)

// Mutation описывает результат одного слияния
type Mutation struct {
	Kind    MutationKind
	RoomID  string
	Added   []models.ChatMessage
	Removed []string // ID вытесненных или отозванных pending-сообщений
}

type entry struct {
	msg models.ChatMessage
	seq uint64
}

// fingerprint - вторичный ключ дедупликации для транспорта, теряющего ID
type fingerprint struct {
	content string
	at      int64
	sender  string
}

func fingerprintOf(m models.ChatMessage) fingerprint {
	return fingerprint{content: m.Content, at: m.Timestamp.UnixNano(), sender: m.SenderDisplayName}
}

type roomLog struct {
	entries []entry
	ids     map[string]struct{}
	prints  map[fingerprint]struct{}
	pending int
}

func newRoomLog() *roomLog {
	return &roomLog{
		ids:    make(map[string]struct{}),
		prints: make(map[fingerprint]struct{}),
	}
}

// Store хранит упорядоченные и дедуплицированные сообщения по комнатам.
// Все изменения проходят через LoadHistory и AppendLive.
type Store struct {
	mu        sync.RWMutex
	rooms     map[string]*roomLog
	seq       uint64
	tolerance time.Duration
	newID     func() string
	mutations *events.Emitter[Mutation]
}

// Option настраивает Store
type Option func(*Store)

// WithPendingTolerance задает окно сопоставления pending-сообщений
func WithPendingTolerance(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// New создает пустой Store
func New(opts ...Option) *Store {
	s := &Store{
		rooms:     make(map[string]*roomLog),
		tolerance: DefaultPendingTolerance,
		newID:     func() string { return "local-" + uuid.NewString() },
		mutations: events.NewEmitter[Mutation](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnMutation подписывает обработчик на изменения лога
func (s *Store) OnMutation(handler func(Mutation)) func() {
	return s.mutations.On(handler)
}

// LoadHistory сливает пачку сообщений из REST-истории с логом комнаты.
// Повторный вызов с пересекающимися данными ничего не меняет.
func (s *Store) LoadHistory(roomID string, messages []models.ChatMessage) []models.ChatMessage {
	return s.merge(roomID, messages, MutationHistory)
}

// AppendLive добавляет одно сообщение, пришедшее по сокету.
// Возвращает false, если сообщение отброшено как дубликат.
func (s *Store) AppendLive(roomID string, msg models.ChatMessage) bool {
	return len(s.merge(roomID, []models.ChatMessage{msg}, MutationLive)) > 0
}

func (s *Store) merge(roomID string, batch []models.ChatMessage, kind MutationKind) []models.ChatMessage {
	if roomID == "" || len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = newRoomLog()
		s.rooms[roomID] = room
	}

	var added []models.ChatMessage
	var removed []string
	needsSort := false

	for _, m := range batch {
		m.RoomID = roomID
		if m.Status == "" {
			m.Status = models.MessageUnread
		}
		if m.ID == "" {
			if !m.IsPending {
				log.Debug().Str("roomID", roomID).Msg("сообщение без ID отброшено")
				continue
			}
			m.ID = s.newID()
		}
		if _, dup := room.ids[m.ID]; dup {
			continue
		}

		if m.IsPending {
			if room.hasConfirmed(m, s.tolerance) {
				continue
			}
			room.pending++
		} else {
			fp := fingerprintOf(m)
			if _, dup := room.prints[fp]; dup {
				continue
			}
			if room.pending > 0 {
				removed = append(removed, room.dropPending(m, s.tolerance)...)
			}
			room.prints[fp] = struct{}{}
		}

		if n := len(room.entries); n > 0 && m.Timestamp.Before(room.entries[n-1].msg.Timestamp) {
			needsSort = true
		}
		s.seq++
		room.ids[m.ID] = struct{}{}
		room.entries = append(room.entries, entry{msg: m, seq: s.seq})
		added = append(added, m)
	}

	if needsSort {
		room.sort()
	}
	s.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		s.mutations.Emit(Mutation{Kind: kind, RoomID: roomID, Added: added, Removed: removed})
	}
	return added
}

// hasConfirmed ищет подтвержденную копию pending-сообщения
func (r *roomLog) hasConfirmed(p models.ChatMessage, tolerance time.Duration) bool {
	for _, e := range r.entries {
		if !e.msg.IsPending && supersedes(e.msg, p, tolerance) {
			return true
		}
	}
	return false
}

// dropPending удаляет pending-сообщения, которые вытесняет подтвержденное m
func (r *roomLog) dropPending(m models.ChatMessage, tolerance time.Duration) []string {
	var removed []string
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.msg.IsPending && supersedes(m, e.msg, tolerance) {
			removed = append(removed, e.msg.ID)
			delete(r.ids, e.msg.ID)
			r.pending--
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return removed
}

func supersedes(confirmed, pending models.ChatMessage, tolerance time.Duration) bool {
	if confirmed.Content != pending.Content || confirmed.SenderID != pending.SenderID {
		return false
	}
	d := confirmed.Timestamp.Sub(pending.Timestamp)
	if d < 0 {
		d = -d
	}
	return d < tolerance
}

func (r *roomLog) sort() {
	slices.SortStableFunc(r.entries, func(a, b entry) int {
		if c := a.msg.Timestamp.Compare(b.msg.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}

// RemovePending отзывает неподтвержденное локальное эхо (например, после ошибки отправки)
func (s *Store) RemovePending(roomID, id string) bool {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	found := false
	for i, e := range room.entries {
		if e.msg.ID == id && e.msg.IsPending {
			room.entries = append(room.entries[:i], room.entries[i+1:]...)
			delete(room.ids, id)
			room.pending--
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.mutations.Emit(Mutation{Kind: MutationRetracted, RoomID: roomID, Removed: []string{id}})
	}
	return found
}

// Get возвращает копию упорядоченного лога комнаты
func (s *Store) Get(roomID string) []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return []models.ChatMessage{}
	}
	result := make([]models.ChatMessage, len(room.entries))
	for i, e := range room.entries {
		result[i] = e.msg
	}
	return result
}

// Last возвращает последнее сообщение комнаты
func (s *Store) Last(roomID string) (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok || len(room.entries) == 0 {
		return models.ChatMessage{}, false
	}
	return room.entries[len(room.entries)-1].msg, true
}

// MarkRead помечает все сообщения комнаты как прочитанные
func (s *Store) MarkRead(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	changed := 0
	for i := range room.entries {
		if room.entries[i].msg.Status != models.MessageRead {
			room.entries[i].msg.Status = models.MessageRead
			changed++
		}
	}
	return changed
}

// Rooms возвращает ID комнат, о которых знает хранилище
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
