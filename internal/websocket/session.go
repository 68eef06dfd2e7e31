package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rajivgeraev/linguachat/internal/auth"
	"github.com/rajivgeraev/linguachat/internal/events"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultHeartBeat        = 10 * time.Second
)

// Config - параметры транспортной сессии
type Config struct {
	URL              string        // ws:// или wss:// адрес STOMP-эндпоинта
	Host             string        // виртуальный хост для CONNECT, по умолчанию хост из URL
	HandshakeTimeout time.Duration // ограничение на dial + CONNECTED
	HeartBeat        time.Duration // желаемый интервал heart-beat, 0 отключает
	Retry            RetryPolicy
	Dialer           *websocket.Dialer
}

// Session - единственное логическое STOMP-соединение клиента.
// Переподключается по RetryPolicy, но никогда не восстанавливает подписки сама.
type Session struct {
	cfg    Config
	tokens auth.TokenSource
	dialer *websocket.Dialer

	mu     sync.Mutex
	state  State
	conn   *connection
	manual bool
	subs   *registry
	retry  *retrier

	group  singleflight.Group
	states *events.Emitter[StateChange]
}

// NewSession создает сессию в состоянии DISCONNECTED
func NewSession(cfg Config, tokens auth.TokenSource) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Host == "" {
		if u, err := url.Parse(cfg.URL); err == nil {
			cfg.Host = u.Hostname()
		}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	return &Session{
		cfg:    cfg,
		tokens: tokens,
		dialer: dialer,
		state:  StateDisconnected,
		subs:   newRegistry(),
		retry:  newRetrier(cfg.Retry),
		states: events.NewEmitter[StateChange](),
	}
}

// OnStateChange подписывает обработчик на переходы состояния
func (s *Session) OnStateChange(handler func(StateChange)) func() {
	return s.states.On(handler)
}

// State возвращает текущее состояние
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Topics возвращает топики с активной подпиской
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.topics()
}

// Connect устанавливает соединение. Если оно уже есть - ничего не делает,
// параллельные вызовы ждут одну и ту же попытку.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.manual = false
	s.retry.reset()
	s.mu.Unlock()

	return s.connectShared(ctx)
}

func (s *Session) connectShared(ctx context.Context) error {
	ch := s.group.DoChan("connect", func() (interface{}, error) {
		return nil, s.connect()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect() error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.retry.cancel()
	s.state = StateConnecting
	s.mu.Unlock()
	s.emit(StateChange{State: StateConnecting})

	c, err := s.handshake()

	s.mu.Lock()
	if s.manual {
		// Disconnect во время рукопожатия уже перевел сессию в DISCONNECTED
		s.mu.Unlock()
		if c != nil {
			c.ws.Close()
		}
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	if err != nil {
		s.state = StateDisconnected
		retrying := s.retry.schedule(s.retryConnect)
		s.mu.Unlock()

		log.Warn().Err(err).Bool("retrying", retrying).Str("url", s.cfg.URL).Msg("Не удалось подключиться")
		s.emit(StateChange{State: StateDisconnected, Err: err})
		return err
	}
	s.conn = c
	s.state = StateConnected
	s.retry.reset()
	s.mu.Unlock()

	log.Info().Str("url", s.cfg.URL).Msg("STOMP-сессия установлена")
	s.emit(StateChange{State: StateConnected})
	c.start(s)
	return nil
}

// handshake открывает сокет и ждет CONNECTED в пределах HandshakeTimeout
func (s *Session) handshake() (*connection, error) {
	bearer, err := auth.BearerHeader(s.tokens)
	if err != nil {
		return nil, fmt.Errorf("нет токена для подключения: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(headerAuth, bearer)

	ws, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		return nil, fmt.Errorf("ошибка подключения к %s: %w", s.cfg.URL, err)
	}

	deadline, _ := ctx.Deadline()
	ws.SetReadDeadline(deadline)
	ws.SetWriteDeadline(deadline)

	data, err := encodeFrame(connectFrame(s.cfg.Host, bearer, s.cfg.HeartBeat))
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return nil, fmt.Errorf("ошибка отправки CONNECT: %w", err)
	}

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			if isTimeout(err) {
				return nil, ErrConnectionTimeout
			}
			return nil, fmt.Errorf("соединение закрыто до CONNECTED: %w", err)
		}

		f, err := decodeFrame(message)
		if err != nil {
			ws.Close()
			return nil, err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECTED:
			ws.SetReadDeadline(time.Time{})
			ws.SetWriteDeadline(time.Time{})
			sendEvery, readTimeout := negotiate(s.cfg.HeartBeat, f.Header.Get(frame.HeartBeat))
			return newConnection(ws, sendEvery, readTimeout), nil
		case frame.ERROR:
			ws.Close()
			return nil, protocolError(f)
		default:
			log.Debug().Str("command", f.Command).Msg("Кадр до CONNECTED пропущен")
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryConnect вызывается таймером retrier
func (s *Session) retryConnect() {
	s.mu.Lock()
	s.retry.fired()
	if s.manual || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	attempt := s.retry.attempts
	s.mu.Unlock()

	log.Info().Int("attempt", attempt).Msg("Повторное подключение")
	_ = s.connectShared(context.Background())
}

// lost обрабатывает обрыв установленного соединения
func (s *Session) lost(c *connection, err error) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	dropped := s.subs.clear()
	s.state = StateDisconnected
	retrying := false
	if !s.manual {
		retrying = s.retry.schedule(s.retryConnect)
	}
	s.mu.Unlock()

	c.close()
	log.Warn().Err(err).Int("subscriptions", dropped).Bool("retrying", retrying).Msg("Соединение потеряно")
	s.emit(StateChange{State: StateDisconnected, Err: err})
}

// Disconnect закрывает соединение и отменяет запланированные переподключения
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	s.retry.cancel()
	c := s.conn
	s.conn = nil
	s.subs.clear()
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if c != nil {
		c.close()
	}
	if changed {
		log.Info().Msg("STOMP-сессия закрыта")
		s.emit(StateChange{State: StateDisconnected})
	}
}

// Subscribe регистрирует единственный обработчик для топика
func (s *Session) Subscribe(topic string, handler Handler) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected || s.conn == nil {
		return Subscription{}, ErrNotConnected
	}
	if s.subs.has(topic) {
		return Subscription{}, fmt.Errorf("%w: %s", ErrSubscriptionConflict, topic)
	}

	sub := &subscription{
		Subscription: Subscription{ID: "sub-" + uuid.NewString(), Topic: topic},
		handler:      handler,
	}
	if err := s.conn.enqueue(subscribeFrame(sub.ID, topic)); err != nil {
		return Subscription{}, err
	}
	s.subs.add(sub)

	log.Debug().Str("topic", topic).Str("id", sub.ID).Msg("Подписка оформлена")
	return sub.Subscription, nil
}

// Unsubscribe снимает подписку. Неизвестный топик игнорируется.
func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs.remove(topic)
	if !ok {
		return nil
	}
	if s.state != StateConnected || s.conn == nil {
		return nil
	}

	log.Debug().Str("topic", topic).Msg("Подписка снята")
	return s.conn.enqueue(unsubscribeFrame(sub.ID))
}

// Publish сериализует payload в JSON и отправляет SEND на destination.
// []byte отправляется как есть.
func (s *Session) Publish(destination string, payload interface{}) error {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	default:
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("ошибка сериализации для %s: %w", destination, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected || s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.enqueue(sendFrame(destination, body))
}

// dispatch передает MESSAGE обработчику подписки на горутине чтения
func (s *Session) dispatch(f *frame.Frame) {
	destination := f.Header.Get(frame.Destination)

	s.mu.Lock()
	sub, ok := s.subs.lookup(f.Header.Get(frame.Subscription), destination)
	s.mu.Unlock()

	if !ok {
		log.Debug().Str("destination", destination).Msg("MESSAGE без подписки пропущен")
		return
	}

	sub.handler(Frame{
		Destination:  destination,
		Subscription: sub.ID,
		MessageID:    f.Header.Get(frame.MessageId),
		ContentType:  f.Header.Get(frame.ContentType),
		Body:         f.Body,
	})
}

func (s *Session) emit(change StateChange) {
	s.states.Emit(change)
}
