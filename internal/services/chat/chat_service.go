package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3/client"
	"github.com/rs/zerolog/log"

	"github.com/rajivgeraev/linguachat/internal/auth"
	"github.com/rajivgeraev/linguachat/internal/config"
	"github.com/rajivgeraev/linguachat/internal/models"
)

// APIError - ответ сервера с кодом не 2xx
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ошибка API: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("ошибка API: %d: %s", e.StatusCode, e.Message)
}

// IsNotFound сообщает, что ресурс не найден
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ChatService обращается к REST API комнат и сообщений
type ChatService struct {
	http   *client.Client
	tokens auth.TokenSource
}

// NewChatService создает новый экземпляр ChatService
func NewChatService(cfg *config.Config, tokens auth.TokenSource) *ChatService {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cc := client.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(timeout)

	return &ChatService{
		http:   cc,
		tokens: tokens,
	}
}

// request готовит запрос с контекстом и заголовком авторизации
func (s *ChatService) request(ctx context.Context) (*client.Request, error) {
	bearer, err := auth.BearerHeader(s.tokens)
	if err != nil {
		return nil, err
	}
	return s.http.R().
		SetContext(ctx).
		SetHeader("Authorization", bearer).
		SetHeader("Accept", "application/json"), nil
}

// GetMyRooms возвращает список комнат пользователя
func (s *ChatService) GetMyRooms(ctx context.Context) ([]models.Room, error) {
	req, err := s.request(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := req.Get(routeMyRooms)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса комнат: %w", err)
	}
	defer resp.Close()

	var rooms []models.Room
	if err := decode(resp, &rooms); err != nil {
		return nil, err
	}

	log.Debug().Int("count", len(rooms)).Msg("Получен список комнат")
	return rooms, nil
}

// GetRecentMessages возвращает последние limit сообщений комнаты
func (s *ChatService) GetRecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	req, err := s.request(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		req.SetParam("limit", strconv.Itoa(limit))
	}

	resp, err := req.Get(recentMessagesRoute(roomID))
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории %s: %w", roomID, err)
	}
	defer resp.Close()

	var messages []models.ChatMessage
	if err := decode(resp, &messages); err != nil {
		return nil, err
	}

	// Сервер может не указывать комнату в каждом сообщении
	for i := range messages {
		if messages[i].RoomID == "" {
			messages[i].RoomID = roomID
		}
	}

	log.Debug().Str("roomID", roomID).Int("count", len(messages)).Msg("Получена история")
	return messages, nil
}

// MarkRead сообщает серверу, что сообщения комнаты прочитаны
func (s *ChatService) MarkRead(ctx context.Context, roomID string) error {
	req, err := s.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Post(markReadRoute(roomID))
	if err != nil {
		return fmt.Errorf("ошибка отметки о прочтении %s: %w", roomID, err)
	}
	defer resp.Close()

	return decode(resp, nil)
}

// decode проверяет код ответа и разбирает тело в out (если out не nil)
func decode(resp *client.Response, out interface{}) error {
	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		return apiError(code, resp.Body())
	}
	if out == nil || code == http.StatusNoContent || len(resp.Body()) == 0 {
		return nil
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("ошибка разбора ответа: %w", err)
	}
	return nil
}

// apiError извлекает сообщение из тела вида {"error": "..."} или {"message": "..."}
func apiError(code int, body []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	e := &APIError{StatusCode: code}
	if json.Unmarshal(body, &payload) == nil {
		e.Message = payload.Error
		if e.Message == "" {
			e.Message = payload.Message
		}
	}
	return e
}
