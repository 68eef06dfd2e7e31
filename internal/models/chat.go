package models

import (
	"time"
)

// MessageStatus отражает состояние прочтения сообщения
type MessageStatus string

const (
	MessageUnread MessageStatus = "UNREAD"
	MessageRead   MessageStatus = "READ"
)

// RoomStatus определяет статус комнаты (заявки на чат)
type RoomStatus string

const (
	RoomPending  RoomStatus = "PENDING"
	RoomAccepted RoomStatus = "ACCEPTED"
	RoomRejected RoomStatus = "REJECTED"
)

// ChatMessage представляет сообщение в комнате
type ChatMessage struct {
	ID                string        `json:"id"`
	RoomID            string        `json:"roomId"`
	SenderID          string        `json:"senderId,omitempty"`
	SenderDisplayName string        `json:"senderName,omitempty"`
	Content           string        `json:"content"`
	Timestamp         time.Time     `json:"timestamp"`
	Status            MessageStatus `json:"status,omitempty"`

	// Локальное эхо, ещё не подтверждённое сервером
	IsPending bool `json:"-"`
}

// Room представляет чат между двумя участниками
type Room struct {
	RoomID               string     `json:"roomId"`
	Status               RoomStatus `json:"status"`
	OpponentID           string     `json:"opponentId"`
	OpponentDisplayName  string     `json:"opponentName"`
	LastMessagePreview   string     `json:"lastMessage,omitempty"`
	LastMessageTimestamp *time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount          int        `json:"unreadCount"`
}

// Enterable сообщает, можно ли войти в комнату
func (r Room) Enterable() bool {
	return r.Status != RoomPending
}

// EnterRoomRequest отправляется в destination входа в комнату
type EnterRoomRequest struct {
	RoomID string `json:"roomId"`
}

// SendMessageRequest отправляется в destination отправки сообщения
type SendMessageRequest struct {
	RoomID          string `json:"roomId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}
