package chat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/linguachat/internal/auth"
	"github.com/rajivgeraev/linguachat/internal/config"
	"github.com/rajivgeraev/linguachat/internal/models"
)

type fakeAPI struct {
	mu     sync.Mutex
	auth   []string
	limits []string
	reads  []string
}

// SetupRoutes регистрирует маршруты фейкового REST API
func (f *fakeAPI) SetupRoutes(app *fiber.App) {
	app.Use(func(c fiber.Ctx) error {
		f.mu.Lock()
		f.auth = append(f.auth, c.Get("Authorization"))
		f.mu.Unlock()
		if c.Get("Authorization") != "Bearer tok" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
		}
		return c.Next()
	})

	app.Get("/rooms/mine", func(c fiber.Ctx) error {
		last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		return c.JSON([]models.Room{
			{RoomID: "r1", Status: models.RoomAccepted, OpponentID: "u2", OpponentDisplayName: "Bob", LastMessagePreview: "hi", LastMessageTimestamp: &last, UnreadCount: 2},
			{RoomID: "r2", Status: models.RoomPending, OpponentID: "u3"},
		})
	})

	app.Get("/rooms/:id/messages/recent", func(c fiber.Ctx) error {
		f.mu.Lock()
		f.limits = append(f.limits, c.Query("limit"))
		f.mu.Unlock()
		if c.Params("id") == "missing" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Чат не найден"})
		}
		return c.JSON([]models.ChatMessage{
			{ID: "m1", SenderID: "u2", Content: "a", Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
			{ID: "m2", RoomID: c.Params("id"), SenderID: "u1", Content: "b", Timestamp: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)},
		})
	})

	app.Post("/rooms/:id/read", func(c fiber.Ctx) error {
		f.mu.Lock()
		f.reads = append(f.reads, c.Params("id"))
		f.mu.Unlock()
		if c.Params("id") == "broken" {
			return c.Status(fiber.StatusInternalServerError).SendString("oops")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func (f *fakeAPI) snapshot() (auth, limits, reads []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...), append([]string(nil), f.limits...), append([]string(nil), f.reads...)
}

func startAPI(t *testing.T) (*fakeAPI, string) {
	t.Helper()
	api := &fakeAPI{}
	app := fiber.New()
	api.SetupRoutes(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() { _ = app.Shutdown() })

	return api, "http://" + ln.Addr().String()
}

func newService(baseURL, token string) *ChatService {
	return NewChatService(&config.Config{APIURL: baseURL, RequestTimeout: 2 * time.Second}, auth.StaticToken(token))
}

func TestChatService_GetMyRooms(t *testing.T) {
	api, url := startAPI(t)
	s := newService(url, "tok")

	rooms, err := s.GetMyRooms(context.Background())
	require.NoError(t, err)

	require.Len(t, rooms, 2)
	assert.Equal(t, "Bob", rooms[0].OpponentDisplayName)
	assert.Equal(t, 2, rooms[0].UnreadCount)
	require.NotNil(t, rooms[0].LastMessageTimestamp)
	assert.Equal(t, models.RoomPending, rooms[1].Status)
	assert.Nil(t, rooms[1].LastMessageTimestamp)
	headers, _, _ := api.snapshot()
	assert.Equal(t, []string{"Bearer tok"}, headers)
}

func TestChatService_GetRecentMessages(t *testing.T) {
	api, url := startAPI(t)
	s := newService(url, "tok")

	msgs, err := s.GetRecentMessages(context.Background(), "r1", 30)
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, "r1", msgs[0].RoomID, "room id filled in")
	assert.Equal(t, "r1", msgs[1].RoomID)
	_, limits, _ := api.snapshot()
	assert.Equal(t, []string{"30"}, limits)
}

func TestChatService_ErrorMapping(t *testing.T) {
	_, url := startAPI(t)

	tests := []struct {
		name     string
		token    string
		call     func(s *ChatService) error
		wantCode int
		wantMsg  string
	}{
		{
			name:  "unauthorized",
			token: "wrong",
			call: func(s *ChatService) error {
				_, err := s.GetMyRooms(context.Background())
				return err
			},
			wantCode: fiber.StatusUnauthorized,
			wantMsg:  "Пользователь не авторизован",
		},
		{
			name:  "not found",
			token: "tok",
			call: func(s *ChatService) error {
				_, err := s.GetRecentMessages(context.Background(), "missing", 10)
				return err
			},
			wantCode: fiber.StatusNotFound,
			wantMsg:  "Чат не найден",
		},
		{
			name:     "plain text body",
			token:    "tok",
			call:     func(s *ChatService) error { return s.MarkRead(context.Background(), "broken") },
			wantCode: fiber.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(newService(url, tt.token))

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantCode, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}

	_, err := newService(url, "tok").GetRecentMessages(context.Background(), "missing", 10)
	assert.True(t, IsNotFound(err))
}

func TestChatService_MarkRead(t *testing.T) {
	api, url := startAPI(t)
	s := newService(url, "tok")

	require.NoError(t, s.MarkRead(context.Background(), "r1"))
	_, _, reads := api.snapshot()
	assert.Equal(t, []string{"r1"}, reads)
}

func TestChatService_MissingToken(t *testing.T) {
	api, url := startAPI(t)
	s := newService(url, "")

	_, err := s.GetMyRooms(context.Background())

	assert.ErrorIs(t, err, auth.ErrEmptyToken)
	headers, _, _ := api.snapshot()
	assert.Empty(t, headers)
}
