package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config структура конфигурации клиента чата
type Config struct {
	WSURL    string // STOMP-эндпоинт (ws:// или wss://)
	APIURL   string // базовый адрес REST API
	Token    string
	UserID   string // если пусто, берется из токена
	UserName string

	Transport    TransportConfig
	Destinations DestinationsConfig

	RequestTimeout   time.Duration
	HistoryLimit     int
	PendingTolerance time.Duration
	OptimisticEcho   bool

	StatePath string // файл SQLite для состояния комнат, пусто - не сохранять
	LogLevel  string
	AppEnv    string
}

// TransportConfig содержит параметры STOMP-сессии
type TransportConfig struct {
	HandshakeTimeout time.Duration
	HeartBeat        time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
}

// DestinationsConfig содержит адреса STOMP
type DestinationsConfig struct {
	Enter     string
	Send      string
	RoomTopic string
}

// ErrMissingRequired возвращается, если не заданы обязательные переменные
var ErrMissingRequired = errors.New("не заданы обязательные переменные окружения")

func setDefaults(v *viper.Viper) {
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("history_limit", 50)
	v.SetDefault("pending_tolerance", time.Second)
	v.SetDefault("optimistic_echo", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("app_env", "production")

	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("heartbeat", 10*time.Second)
	v.SetDefault("retry_attempts", 1)
	v.SetDefault("retry_backoff", 2*time.Second)

	v.SetDefault("enter_destination", "/app/chat.enter")
	v.SetDefault("send_destination", "/app/chat.send")
	v.SetDefault("room_topic", "/topic/room/{roomId}")
}

// LoadConfig загружает .env, затем переменные CHAT_* и необязательный YAML из CHAT_CONFIG
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env файл не найден, используем переменные окружения")
	}

	v := viper.New()
	v.SetEnvPrefix("CHAT")
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
		}
	}

	cfg := &Config{
		WSURL:    v.GetString("ws_url"),
		APIURL:   strings.TrimRight(v.GetString("api_url"), "/"),
		Token:    v.GetString("token"),
		UserID:   v.GetString("user_id"),
		UserName: v.GetString("user_name"),
		Transport: TransportConfig{
			HandshakeTimeout: v.GetDuration("handshake_timeout"),
			HeartBeat:        v.GetDuration("heartbeat"),
			RetryAttempts:    v.GetInt("retry_attempts"),
			RetryBackoff:     v.GetDuration("retry_backoff"),
		},
		Destinations: DestinationsConfig{
			Enter:     v.GetString("enter_destination"),
			Send:      v.GetString("send_destination"),
			RoomTopic: v.GetString("room_topic"),
		},
		RequestTimeout:   v.GetDuration("request_timeout"),
		HistoryLimit:     v.GetInt("history_limit"),
		PendingTolerance: v.GetDuration("pending_tolerance"),
		OptimisticEcho:   v.GetBool("optimistic_echo"),
		StatePath:        v.GetString("state_path"),
		LogLevel:         v.GetString("log_level"),
		AppEnv:           v.GetString("app_env"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.WSURL == "" {
		missing = append(missing, "CHAT_WS_URL")
	}
	if c.APIURL == "" {
		missing = append(missing, "CHAT_API_URL")
	}
	if c.Token == "" {
		missing = append(missing, "CHAT_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit должен быть положительным, получено %d", c.HistoryLimit)
	}
	if c.Transport.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts не может быть отрицательным")
	}
	return nil
}

// IsDevelopment сообщает, запущен ли клиент в режиме разработки
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
