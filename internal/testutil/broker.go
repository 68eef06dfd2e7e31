// Package testutil содержит STOMP-брокер поверх httptest для тестов клиента
package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame - кадр, полученный брокером от клиента
type Frame struct {
	Command string
	Headers map[string]string
	Body    string
}

// Header возвращает значение заголовка кадра
func (f Frame) Header(key string) string {
	return f.Headers[key]
}

// Mode определяет реакцию брокера на CONNECT
type Mode int

const (
	ModeAccept Mode = iota // ответить CONNECTED
	ModeSilent             // не отвечать, клиент упрется в таймаут
	ModeReject             // ответить ERROR
	ModeRefuse             // не выполнять upgrade
)

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // id -> destination
}

func (c *brokerConn) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// Broker - минимальный STOMP-брокер: CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND, DISCONNECT.
// Все входящие кадры записываются в порядке получения.
type Broker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	mode        Mode
	conns       map[*brokerConn]struct{}
	frames      []Frame
	authHeaders []string
	dials       int
	onSend      func(Frame)
}

// NewBroker запускает брокер. Остановить - через Close.
func NewBroker() *Broker {
	b := &Broker{
		conns: make(map[*brokerConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// URL возвращает ws:// адрес брокера
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// Close закрывает все соединения и сервер
func (b *Broker) Close() {
	b.DropAll()
	b.server.Close()
}

// SetMode меняет реакцию на следующие CONNECT
func (b *Broker) SetMode(m Mode) {
	b.mu.Lock()
	b.mode = m
	b.mu.Unlock()
}

// OnSend задает обработчик SEND-кадров (вызывается на горутине соединения)
func (b *Broker) OnSend(fn func(Frame)) {
	b.mu.Lock()
	b.onSend = fn
	b.mu.Unlock()
}

func (b *Broker) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.dials++
	mode := b.mode
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	b.mu.Unlock()

	if mode == ModeRefuse {
		http.Error(w, "refused", http.StatusServiceUnavailable)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{ws: ws, subs: make(map[string]string)}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		data = bytes.TrimLeft(data, "\r\n")
		if len(data) == 0 {
			continue
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil || f == nil {
			continue
		}
		if !b.process(c, f) {
			return
		}
	}
}

// process возвращает false, если соединение нужно закрыть
func (b *Broker) process(c *brokerConn, f *frame.Frame) bool {
	rec := Frame{Command: f.Command, Headers: make(map[string]string), Body: string(f.Body)}
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		rec.Headers[k] = v
	}

	b.mu.Lock()
	b.frames = append(b.frames, rec)
	mode := b.mode
	onSend := b.onSend
	b.mu.Unlock()

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		switch mode {
		case ModeSilent:
			return true
		case ModeReject:
			errFrame := frame.New(frame.ERROR, frame.Message, "access denied")
			errFrame.Body = []byte("invalid token")
			_ = c.write(errFrame)
			return false
		}
		_ = c.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
	case frame.SUBSCRIBE:
		b.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		b.mu.Unlock()
	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		b.mu.Unlock()
	case frame.SEND:
		if onSend != nil {
			onSend(rec)
		}
	case frame.DISCONNECT:
		return false
	}
	return true
}

// Publish рассылает MESSAGE всем подписчикам destination.
// Возвращает число получателей.
func (b *Broker) Publish(destination string, body []byte) int {
	type target struct {
		c  *brokerConn
		id string
	}

	b.mu.Lock()
	var targets []target
	for c := range b.conns {
		for id, dest := range c.subs {
			if dest == destination {
				targets = append(targets, target{c: c, id: id})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, t.id,
			frame.MessageId, uuid.NewString(),
			frame.ContentType, "application/json",
			frame.ContentLength, strconv.Itoa(len(body)),
		)
		f.Body = body
		_ = t.c.write(f)
	}
	return len(targets)
}

// SendError отправляет ERROR во все соединения
func (b *Broker) SendError(message string) {
	for _, c := range b.snapshot() {
		_ = c.write(frame.New(frame.ERROR, frame.Message, message))
	}
}

// DropAll обрывает все соединения без закрывающего рукопожатия
func (b *Broker) DropAll() {
	for _, c := range b.snapshot() {
		c.ws.UnderlyingConn().Close()
	}
}

func (b *Broker) snapshot() []*brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

// Frames возвращает копию журнала кадров
func (b *Broker) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.frames...)
}

// Commands возвращает команды кадров, исключая указанные
func (b *Broker) Commands(skip ...string) []string {
	var out []string
	for _, f := range b.Frames() {
		skipped := false
		for _, s := range skip {
			if f.Command == s {
				skipped = true
				break
			}
		}
		if !skipped {
			out = append(out, f.Command)
		}
	}
	return out
}

// FramesOf возвращает кадры с заданной командой
func (b *Broker) FramesOf(command string) []Frame {
	var out []Frame
	for _, f := range b.Frames() {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// Subscriptions возвращает активные destination всех соединений
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for c := range b.conns {
		for _, dest := range c.subs {
			out = append(out, dest)
		}
	}
	return out
}

// Connections возвращает число открытых соединений
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Dials возвращает число попыток upgrade
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// AuthHeaders возвращает заголовки Authorization всех upgrade-запросов
func (b *Broker) AuthHeaders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.authHeaders...)
}

// Reset очищает журнал кадров
func (b *Broker) Reset() {
	b.mu.Lock()
	b.frames = nil
	b.mu.Unlock()
}
