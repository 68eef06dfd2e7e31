package chat

import (
	"fmt"
	"net/url"
)

// Маршруты REST API чатов, которые использует клиент
const (
	routeMyRooms = "/rooms/mine"
)

// recentMessagesRoute - последние сообщения комнаты
func recentMessagesRoute(roomID string) string {
	return fmt.Sprintf("/rooms/%s/messages/recent", url.PathEscape(roomID))
}

// markReadRoute - отметка о прочтении комнаты
func markReadRoute(roomID string) string {
	return fmt.Sprintf("/rooms/%s/read", url.PathEscape(roomID))
}
