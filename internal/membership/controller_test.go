package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/linguachat/internal/auth"
	"github.com/rajivgeraev/linguachat/internal/events"
	"github.com/rajivgeraev/linguachat/internal/models"
	"github.com/rajivgeraev/linguachat/internal/store"
	"github.com/rajivgeraev/linguachat/internal/testutil"
	"github.com/rajivgeraev/linguachat/internal/websocket"
)

// fakeTransport записывает операции в порядке вызова
type fakeTransport struct {
	mu         sync.Mutex
	state      websocket.State
	connectErr error
	publishErr error
	gate       chan struct{} // если задан, Connect ждет его закрытия
	connects   int
	ops        []string
	published  []interface{}
	handlers   map[string]websocket.Handler
	states     *events.Emitter[websocket.StateChange]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]websocket.Handler),
		states:   events.NewEmitter[websocket.StateChange](),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	if f.state == websocket.StateConnected {
		f.mu.Unlock()
		return nil
	}
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.state = websocket.StateConnected
	f.ops = append(f.ops, "CONNECT")
	f.mu.Unlock()

	f.states.Emit(websocket.StateChange{State: websocket.StateConnected})
	return nil
}

func (f *fakeTransport) State() websocket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Subscribe(topic string, h websocket.Handler) (websocket.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != websocket.StateConnected {
		return websocket.Subscription{}, websocket.ErrNotConnected
	}
	if _, ok := f.handlers[topic]; ok {
		return websocket.Subscription{}, websocket.ErrSubscriptionConflict
	}
	f.handlers[topic] = h
	f.ops = append(f.ops, "SUBSCRIBE "+topic)
	return websocket.Subscription{ID: "sub-" + topic, Topic: topic}, nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[topic]; !ok {
		return nil
	}
	delete(f.handlers, topic)
	f.ops = append(f.ops, "UNSUBSCRIBE "+topic)
	return nil
}

func (f *fakeTransport) Publish(destination string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != websocket.StateConnected {
		return websocket.ErrNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.ops = append(f.ops, "SEND "+destination)
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeTransport) OnStateChange(h func(websocket.StateChange)) func() {
	return f.states.On(h)
}

// drop имитирует обрыв: подписки теряются, наблюдатели получают ошибку
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.state = websocket.StateDisconnected
	f.handlers = make(map[string]websocket.Handler)
	f.mu.Unlock()
	f.states.Emit(websocket.StateChange{State: websocket.StateDisconnected, Err: err})
}

func (f *fakeTransport) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.handlers))
	for t := range f.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *fakeTransport) opsLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeTransport) deliver(topic string, msg models.ChatMessage) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	body, _ := json.Marshal(msg)
	h(websocket.Frame{Destination: topic, Body: body})
}

func newController(t *testing.T, tr Transport, sink Sink, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c := New(tr, sink, cfg, opts...)
	t.Cleanup(c.Close)
	return c
}

func TestController_EnterWhileDisconnected(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})

	require.NoError(t, c.Enter(context.Background(), "room1"))

	assert.Equal(t, []string{"CONNECT", "SEND /app/chat.enter", "SUBSCRIBE /topic/room/room1"}, tr.opsLog())
	assert.Equal(t, models.EnterRoomRequest{RoomID: "room1"}, tr.published[0])
	assert.Equal(t, "room1", c.ActiveRoom())
}

func TestController_SingleActiveSubscription(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})

	require.NoError(t, c.Enter(context.Background(), "A"))
	require.NoError(t, c.Enter(context.Background(), "B"))

	assert.Equal(t, []string{"/topic/room/B"}, tr.topics())
	assert.Equal(t, "B", c.ActiveRoom())
	assert.Equal(t, []string{
		"CONNECT",
		"SEND /app/chat.enter", "SUBSCRIBE /topic/room/A",
		"UNSUBSCRIBE /topic/room/A",
		"SEND /app/chat.enter", "SUBSCRIBE /topic/room/B",
	}, tr.opsLog())
}

func TestController_ReenterSameRoomIsNoop(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})

	require.NoError(t, c.Enter(context.Background(), "r1"))
	require.NoError(t, c.Enter(context.Background(), "r1"))

	assert.Equal(t, []string{"CONNECT", "SEND /app/chat.enter", "SUBSCRIBE /topic/room/r1"}, tr.opsLog())
}

func TestController_EnterGuards(t *testing.T) {
	tr := newFakeTransport()
	lookup := func(id string) (models.Room, bool) {
		switch id {
		case "pending":
			return models.Room{RoomID: id, Status: models.RoomPending}, true
		case "open":
			return models.Room{RoomID: id, Status: models.RoomAccepted}, true
		}
		return models.Room{}, false
	}
	c := newController(t, tr, nil, Config{}, WithRoomLookup(lookup))

	assert.ErrorIs(t, c.Enter(context.Background(), ""), ErrInvalidRoom)
	assert.ErrorIs(t, c.Enter(context.Background(), "pending"), ErrRoomPending)
	assert.Empty(t, tr.opsLog())

	require.NoError(t, c.Enter(context.Background(), "open"))
	require.NoError(t, c.Enter(context.Background(), "unknown"))
}

func TestController_ConnectionFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = websocket.ErrConnectionTimeout
	c := newController(t, tr, nil, Config{})

	var changes []Change
	c.OnChange(func(ch Change) { changes = append(changes, ch) })

	err := c.Enter(context.Background(), "r1")

	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, websocket.ErrConnectionTimeout)
	phase, room := c.Phase()
	assert.Equal(t, PhaseIdle, phase)
	assert.Empty(t, room)
	assert.Equal(t, []Change{{Phase: PhaseEntering, RoomID: "r1"}, {Phase: PhaseIdle}}, changes)
}

func TestController_PublishFailureLeavesIdle(t *testing.T) {
	tr := newFakeTransport()
	tr.publishErr = websocket.ErrSendBufferFull
	c := newController(t, tr, nil, Config{})

	err := c.Enter(context.Background(), "r1")

	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Empty(t, tr.topics())
	assert.Empty(t, c.ActiveRoom())
}

func TestController_NewerEnterSupersedes(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	c := newController(t, tr, nil, Config{})

	first := make(chan error, 1)
	go func() { first <- c.Enter(context.Background(), "A") }()
	require.Eventually(t, func() bool {
		phase, _ := c.Phase()
		return phase == PhaseEntering
	}, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- c.Enter(context.Background(), "B") }()
	// второй запрос должен увеличить поколение до открытия шлюза
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.gen == 2
	}, time.Second, time.Millisecond)
	close(tr.gate)

	assert.ErrorIs(t, <-first, ErrAlreadyEntering)
	assert.NoError(t, <-second)
	assert.Equal(t, []string{"/topic/room/B"}, tr.topics())
	assert.Equal(t, "B", c.ActiveRoom())
}

func TestController_LeaveKeepsMessages(t *testing.T) {
	tr := newFakeTransport()
	st := store.New()
	c := newController(t, tr, st, Config{})

	require.NoError(t, c.Enter(context.Background(), "r1"))
	tr.deliver("/topic/room/r1", models.ChatMessage{ID: "m1", SenderID: "u2", Content: "hi", Timestamp: time.Now()})
	require.NoError(t, c.Leave())
	require.NoError(t, c.Leave())

	assert.Empty(t, tr.topics())
	assert.Empty(t, c.ActiveRoom())
	assert.Len(t, st.Get("r1"), 1)
}

func TestController_LiveMessagesReachStore(t *testing.T) {
	tr := newFakeTransport()
	st := store.New()
	c := newController(t, tr, st, Config{})
	require.NoError(t, c.Enter(context.Background(), "r1"))

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr.deliver("/topic/room/r1", models.ChatMessage{ID: "m2", Content: "b", Timestamp: base.Add(2 * time.Second)})
	tr.deliver("/topic/room/r1", models.ChatMessage{ID: "m1", Content: "a", Timestamp: base.Add(time.Second)})
	tr.deliver("/topic/room/r1", models.ChatMessage{ID: "m1", Content: "a", Timestamp: base.Add(time.Second)})

	got := st.Get("r1")
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "r1", got[0].RoomID)
}

func TestController_Send(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})

	assert.ErrorIs(t, c.Send("hi"), websocket.ErrNotConnected)
	require.NoError(t, tr.Connect(context.Background()))
	assert.ErrorIs(t, c.Send("hi"), ErrNoActiveRoom)
	require.NoError(t, c.Enter(context.Background(), "r1"))

	require.NoError(t, c.Send("hi"))
	req, ok := tr.published[1].(models.SendMessageRequest)
	require.True(t, ok)
	assert.Equal(t, "r1", req.RoomID)
	assert.Equal(t, "hi", req.Content)
	assert.NotEmpty(t, req.ClientMessageID)

	assert.ErrorIs(t, c.Send(""), models.ErrMessageEmpty)
}

func TestController_SendFailsFastWhenDisconnected(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})
	require.NoError(t, c.Enter(context.Background(), "r1"))

	tr.mu.Lock()
	tr.state = websocket.StateDisconnected
	tr.mu.Unlock()

	assert.ErrorIs(t, c.Send("hi"), websocket.ErrNotConnected)
	assert.Len(t, tr.published, 1, "nothing queued")
}

func TestController_OptimisticEcho(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := newFakeTransport()
	st := store.New()
	c := newController(t, tr, st, Config{SelfID: "me", SelfName: "Me", OptimisticEcho: true},
		WithClock(func() time.Time { return now }))
	require.NoError(t, c.Enter(context.Background(), "r1"))

	require.NoError(t, c.Send("hello"))
	got := st.Get("r1")
	require.Len(t, got, 1)
	assert.True(t, got[0].IsPending)

	tr.deliver("/topic/room/r1", models.ChatMessage{ID: "srv-1", SenderID: "me", SenderDisplayName: "Me", Content: "hello", Timestamp: now.Add(300 * time.Millisecond)})
	got = st.Get("r1")
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
	assert.False(t, got[0].IsPending)

	tr.publishErr = errors.New("boom")
	assert.Error(t, c.Send("lost"))
	assert.Len(t, st.Get("r1"), 1, "failed echo retracted")
}

func TestController_ReentersAfterReconnect(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})
	require.NoError(t, c.Enter(context.Background(), "r1"))

	resumed := make(chan Change, 1)
	c.OnChange(func(ch Change) {
		if ch.Phase == PhaseActive {
			resumed <- ch
		}
	})

	tr.drop(fmt.Errorf("read: %w", errors.New("connection reset")))
	assert.Empty(t, c.ActiveRoom())

	require.NoError(t, tr.Connect(context.Background()))

	select {
	case ch := <-resumed:
		assert.Equal(t, Change{Phase: PhaseActive, RoomID: "r1", Resumed: true}, ch)
	case <-time.After(time.Second):
		t.Fatal("room was not re-entered")
	}
	assert.Equal(t, "r1", c.ActiveRoom())
	assert.Equal(t, []string{"/topic/room/r1"}, tr.topics())
}

func TestController_EnterAfterDropWinsOverReenter(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})
	require.NoError(t, c.Enter(context.Background(), "A"))

	tr.drop(errors.New("reset"))
	require.NoError(t, c.Enter(context.Background(), "B"))

	assert.Never(t, func() bool { return c.ActiveRoom() != "B" }, 50*time.Millisecond, time.Millisecond)
	assert.Equal(t, []string{"/topic/room/B"}, tr.topics())
}

func TestController_StaleReenterSkipped(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})
	require.NoError(t, c.Enter(context.Background(), "A"))
	tr.drop(errors.New("reset"))

	// возврат в A ждет flow, пока пользователь просит B
	c.flow.Lock()
	require.NoError(t, tr.Connect(context.Background()))
	done := make(chan error, 1)
	go func() { done <- c.Enter(context.Background(), "B") }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.gen == 2
	}, time.Second, time.Millisecond)
	c.flow.Unlock()

	require.NoError(t, <-done)
	assert.Never(t, func() bool { return c.ActiveRoom() != "B" }, 50*time.Millisecond, time.Millisecond)
	assert.Equal(t, []string{"/topic/room/B"}, tr.topics())
}

func TestController_EnterAfterDropOverSession(t *testing.T) {
	b := testutil.NewBroker()
	t.Cleanup(b.Close)
	s := websocket.NewSession(websocket.Config{URL: b.URL(), HandshakeTimeout: time.Second}, auth.StaticToken("tok"))
	t.Cleanup(s.Disconnect)
	c := newController(t, s, nil, Config{})

	require.NoError(t, c.Enter(context.Background(), "A"))
	require.Eventually(t, func() bool { return len(b.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)

	b.DropAll()
	require.Eventually(t, func() bool {
		return s.State() == websocket.StateDisconnected && c.ActiveRoom() == ""
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Enter(context.Background(), "B"))

	assert.Never(t, func() bool { return c.ActiveRoom() != "B" }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"/topic/room/B"}, s.Topics())
	require.Eventually(t, func() bool {
		subs := b.Subscriptions()
		return len(subs) == 1 && subs[0] == "/topic/room/B"
	}, time.Second, 5*time.Millisecond)
}

func TestController_NoReenterAfterManualDisconnect(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})
	require.NoError(t, c.Enter(context.Background(), "r1"))

	tr.drop(nil)
	require.NoError(t, tr.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.ActiveRoom())
	assert.Empty(t, tr.topics())
}

func TestController_LeaveCancelsReenter(t *testing.T) {
	tr := newFakeTransport()
	c := newController(t, tr, nil, Config{})
	require.NoError(t, c.Enter(context.Background(), "r1"))

	tr.drop(errors.New("reset"))
	require.NoError(t, c.Leave())
	require.NoError(t, tr.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.ActiveRoom())
}

func TestDestinations_Topic(t *testing.T) {
	d := DefaultDestinations()
	assert.Equal(t, "/topic/room/42", d.Topic("42"))

	d.RoomTopic = "/exchange/rooms.{roomId}.messages"
	assert.Equal(t, "/exchange/rooms.42.messages", d.Topic("42"))
}
