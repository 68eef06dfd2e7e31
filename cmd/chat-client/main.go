package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rajivgeraev/linguachat/internal/auth"
	"github.com/rajivgeraev/linguachat/internal/config"
	"github.com/rajivgeraev/linguachat/internal/db"
	"github.com/rajivgeraev/linguachat/internal/messenger"
	"github.com/rajivgeraev/linguachat/internal/models"
	"github.com/rajivgeraev/linguachat/internal/store"
	"github.com/rajivgeraev/linguachat/internal/websocket"
)

const shutdownTimeout = 5 * time.Second

var (
	tokenSecret string
	tokenUser   string
	tokenTTL    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat-client",
		Short: "Консольный клиент чата LinguaChat",
	}

	roomsCmd := &cobra.Command{
		Use:   "rooms",
		Short: "Показать мои комнаты",
		RunE:  runRooms,
	}

	chatCmd := &cobra.Command{
		Use:   "chat [roomId]",
		Short: "Открыть комнату и писать в нее из stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChat,
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Выпустить JWT для локальной разработки",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("CHAT_JWT_SECRET"), "секрет подписи (CHAT_JWT_SECRET)")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "ID пользователя")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "срок действия токена")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(roomsCmd, chatCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup загружает конфигурацию и собирает клиент. cleanup закрывает базу состояния.
func setup() (*config.Config, *messenger.Client, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	// В разработке читаемый вывод и подробные логи, иначе JSON
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var opts []messenger.Option
	cleanup := func() {}
	if cfg.StatePath != "" {
		conn, err := db.InitDB(cfg.StatePath)
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, messenger.WithStateStore(db.NewStateRepository(conn)))
		cleanup = func() {
			if err := db.CloseDB(conn); err != nil {
				log.Error().Err(err).Msg("Ошибка при закрытии базы состояния")
			}
		}
	}

	client := messenger.New(cfg, auth.StaticToken(cfg.Token), opts...)
	return cfg, client, cleanup, nil
}

func runRooms(cmd *cobra.Command, args []string) error {
	cfg, client, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	defer cancel()

	rooms, err := client.RefreshRooms(ctx)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		fmt.Println(formatRoom(r))
	}
	fmt.Printf("Непрочитанных: %d\n", client.TotalUnread())
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, client, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	roomID := client.LastRoom()
	if len(args) > 0 {
		roomID = args[0]
	}
	if roomID == "" {
		client.Close()
		return fmt.Errorf("укажите ID комнаты")
	}

	client.OnConnectionState(func(change websocket.StateChange) {
		if change.Err != nil {
			log.Warn().Err(change.Err).Str("state", change.State.String()).Msg("Состояние соединения")
			return
		}
		log.Info().Str("state", change.State.String()).Msg("Состояние соединения")
	})
	client.OnMessage(func(m store.Mutation) {
		if m.RoomID != client.ActiveRoom() {
			return
		}
		for _, msg := range m.Added {
			fmt.Println(formatMessage(msg, client.SelfID()))
		}
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	defer cancel()
	// Комнаты нужны, чтобы не войти в PENDING-заявку
	if _, err := client.RefreshRooms(ctx); err != nil {
		log.Warn().Err(err).Msg("Список комнат не загружен")
	}
	if err := client.Enter(ctx, roomID); err != nil {
		client.Close()
		return err
	}

	go readInput(client)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-client": func(ctx context.Context) error {
				log.Info().Msg("Выходим из комнаты")
				err := client.Leave()
				client.Close()
				return err
			},
		},
	)

	exitCode := <-wait
	cleanup()
	os.Exit(exitCode)
	return nil
}

// readInput отправляет каждую строку stdin в активную комнату
func readInput(client *messenger.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := client.Send(line); err != nil {
			log.Error().Err(err).Msg("Сообщение не отправлено")
		}
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenSecret == "" {
		return fmt.Errorf("не задан секрет подписи")
	}
	tok, err := auth.GenerateJWT(tokenSecret, tokenUser, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func formatRoom(r models.Room) string {
	name := r.OpponentDisplayName
	if name == "" {
		name = r.OpponentID
	}
	line := fmt.Sprintf("%-24s %-10s %-20s", r.RoomID, r.Status, name)
	if r.UnreadCount > 0 {
		line += fmt.Sprintf(" [%d]", r.UnreadCount)
	}
	if r.LastMessagePreview != "" {
		line += " " + r.LastMessagePreview
	}
	return line
}

func formatMessage(m models.ChatMessage, selfID string) string {
	name := m.SenderDisplayName
	if name == "" {
		name = m.SenderID
	}
	if selfID != "" && m.SenderID == selfID {
		name = "я"
	}
	mark := ""
	if m.IsPending {
		mark = " …"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Timestamp.Local().Format("15:04"), name, m.Content, mark)
}
