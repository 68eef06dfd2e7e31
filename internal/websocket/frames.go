package websocket

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Frame - входящий MESSAGE кадр, переданный обработчику топика
type Frame struct {
	Destination  string
	Subscription string
	MessageID    string
	ContentType  string
	Body         []byte
}

// Handler обрабатывает кадры одного топика
type Handler func(Frame)

const (
	contentTypeJSON = "application/json"
	headerAuth      = "Authorization"
)

// encodeFrame сериализует кадр STOMP в одно сообщение WebSocket
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("ошибка кодирования кадра %s: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrame разбирает сообщение WebSocket. Пустое сообщение - heart-beat, возвращается nil.
func decodeFrame(data []byte) (*frame.Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора кадра: %w", err)
	}
	return f, nil
}

func connectFrame(host, bearer string, heartBeat time.Duration) *frame.Frame {
	ms := strconv.FormatInt(heartBeat.Milliseconds(), 10)
	return frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, host,
		frame.HeartBeat, ms+","+ms,
		headerAuth, bearer,
	)
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, contentTypeJSON,
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return f
}

func protocolError(f *frame.Frame) *ProtocolError {
	return &ProtocolError{
		Message: f.Header.Get(frame.Message),
		Details: strings.TrimSpace(string(f.Body)),
	}
}

// heartBeats разбирает заголовок heart-beat вида "cx,cy"
func heartBeats(value string) (send, recv time.Duration) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// negotiate считает интервалы heart-beat по правилам STOMP 1.2:
// клиент шлет не чаще, чем сервер готов принимать, и ждет с запасом.
func negotiate(client time.Duration, serverHeader string) (sendEvery, readTimeout time.Duration) {
	serverSend, serverRecv := heartBeats(serverHeader)
	if client > 0 && serverRecv > 0 {
		sendEvery = max(client, serverRecv)
	}
	if client > 0 && serverSend > 0 {
		readTimeout = 3 * max(client, serverSend)
	}
	return sendEvery, readTimeout
}
