package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rajivgeraev/linguachat/internal/models"
)

const keyLastRoom = "last_room"

// RoomState - сохраненное состояние комнаты. Сообщения не сохраняются.
type RoomState struct {
	RoomID        string `gorm:"primaryKey"`
	Status        string
	OpponentID    string
	OpponentName  string
	LastMessage   string
	LastMessageAt *time.Time
	UnreadCount   int
	UpdatedAt     time.Time
}

// KeyValue - небольшие настройки клиента
type KeyValue struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

func toRoomState(r models.Room) RoomState {
	return RoomState{
		RoomID:        r.RoomID,
		Status:        string(r.Status),
		OpponentID:    r.OpponentID,
		OpponentName:  r.OpponentDisplayName,
		LastMessage:   r.LastMessagePreview,
		LastMessageAt: r.LastMessageTimestamp,
		UnreadCount:   r.UnreadCount,
	}
}

func (s RoomState) toRoom() models.Room {
	return models.Room{
		RoomID:               s.RoomID,
		Status:               models.RoomStatus(s.Status),
		OpponentID:           s.OpponentID,
		OpponentDisplayName:  s.OpponentName,
		LastMessagePreview:   s.LastMessage,
		LastMessageTimestamp: s.LastMessageAt,
		UnreadCount:          s.UnreadCount,
	}
}

// StateRepository хранит состояние комнат и последнюю открытую комнату
type StateRepository struct {
	db *gorm.DB
}

// NewStateRepository создает репозиторий поверх открытой базы
func NewStateRepository(conn *gorm.DB) *StateRepository {
	return &StateRepository{db: conn}
}

// SaveRoom создает или обновляет запись комнаты
func (r *StateRepository) SaveRoom(room models.Room) error {
	ctx, cancel := GetContext()
	defer cancel()

	row := toRoomState(room)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("ошибка сохранения комнаты %s: %w", room.RoomID, err)
	}
	return nil
}

// LoadRooms возвращает все сохраненные комнаты
func (r *StateRepository) LoadRooms() ([]models.Room, error) {
	ctx, cancel := GetContext()
	defer cancel()

	var rows []RoomState
	if err := r.db.WithContext(ctx).Order("room_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ошибка чтения комнат: %w", err)
	}

	rooms := make([]models.Room, len(rows))
	for i, row := range rows {
		rooms[i] = row.toRoom()
	}
	return rooms, nil
}

// SetLastRoom запоминает последнюю открытую комнату. Пустая строка очищает значение.
func (r *StateRepository) SetLastRoom(roomID string) error {
	ctx, cancel := GetContext()
	defer cancel()

	kv := KeyValue{Key: keyLastRoom, Value: roomID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&kv).Error
	if err != nil {
		return fmt.Errorf("ошибка сохранения последней комнаты: %w", err)
	}
	return nil
}

// LastRoom возвращает последнюю открытую комнату или ""
func (r *StateRepository) LastRoom() (string, error) {
	ctx, cancel := GetContext()
	defer cancel()

	var kv KeyValue
	err := r.db.WithContext(ctx).Where(&KeyValue{Key: keyLastRoom}).First(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ошибка чтения последней комнаты: %w", err)
	}
	return kv.Value, nil
}
