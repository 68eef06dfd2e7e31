package websocket

import (
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Максимальный размер входящего кадра
	maxMessageSize = 512 * 1024 // 512KB

	// Размер буфера для исходящих кадров
	writeBufferSize = 256

	// Таймаут записи одного кадра
	writeWait = 10 * time.Second
)

// heartbeat - пустой кадр (EOL), которым STOMP поддерживает соединение
var heartbeat = []byte("\n")

// connection - одно установленное STOMP-соединение поверх WebSocket
type connection struct {
	ws          *websocket.Conn
	send        chan []byte // Буферизованный канал исходящих кадров
	closeChan   chan struct{}
	closeOnce   sync.Once
	sendEvery   time.Duration
	readTimeout time.Duration
}

func newConnection(ws *websocket.Conn, sendEvery, readTimeout time.Duration) *connection {
	return &connection{
		ws:          ws,
		send:        make(chan []byte, writeBufferSize),
		closeChan:   make(chan struct{}),
		sendEvery:   sendEvery,
		readTimeout: readTimeout,
	}
}

// start запускает горутины чтения и записи
func (c *connection) start(s *Session) {
	go c.readPump(s)
	go c.writePump()
}

// close останавливает writePump, который закрывает сокет
func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.closeChan) })
}

// enqueue ставит кадр в очередь отправки без блокировки
func (c *connection) enqueue(f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *connection) extendDeadline() {
	if c.readTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// readPump читает кадры и передает MESSAGE обработчикам в порядке поступления
func (c *connection) readPump(s *Session) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Неожиданное закрытие соединения")
			}
			s.lost(c, err)
			return
		}
		c.extendDeadline()

		f, err := decodeFrame(message)
		if err != nil {
			log.Warn().Err(err).Msg("Пропущен некорректный кадр")
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			s.dispatch(f)
		case frame.ERROR:
			perr := protocolError(f)
			log.Error().Err(perr).Msg("Брокер вернул ERROR")
			s.lost(c, perr)
			return
		case frame.RECEIPT:
			log.Debug().Str("receipt", f.Header.Get(frame.ReceiptId)).Msg("Получен RECEIPT")
		default:
			log.Debug().Str("command", f.Command).Msg("Необработанный кадр")
		}
	}
}

// writePump единственный пишет в сокет, сохраняя порядок кадров
func (c *connection) writePump() {
	var tick <-chan time.Time
	if c.sendEvery > 0 {
		ticker := time.NewTicker(c.sendEvery)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Msg("Ошибка записи кадра")
				return
			}
		case <-tick:
			// heart-beat для поддержания соединения
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, heartbeat); err != nil {
				return
			}
		case <-c.closeChan:
			c.goodbye()
			return
		}
	}
}

// goodbye отправляет DISCONNECT и кадр закрытия, ошибки игнорируются
func (c *connection) goodbye() {
	deadline := time.Now().Add(time.Second)
	c.ws.SetWriteDeadline(deadline)
	if data, err := encodeFrame(frame.New(frame.DISCONNECT)); err == nil {
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
