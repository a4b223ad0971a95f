package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/platform/tenant"
)

func newClient(id string, unit uuid.UUID, topics ...string) *Client {
	return &Client{ID: id, UnitID: unit, Topics: topics, Send: make(chan []byte, 16)}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	unit := uuid.New()
	c := newClient("c1", unit, UnitTopic(unit))

	hub.Register(c)
	if hub.ClientCount() != 1 || hub.TopicCount(UnitTopic(unit)) != 1 {
		t.Fatalf("expected client on unit topic, got clients=%d topic=%d", hub.ClientCount(), hub.TopicCount(UnitTopic(unit)))
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount(UnitTopic(unit)) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_BroadcastOnlyToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	unitA, unitB := uuid.New(), uuid.New()
	a := newClient("a", unitA, UnitTopic(unitA))
	b := newClient("b", unitB, UnitTopic(unitB))
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast(UnitTopic(unitA), Event{Type: "agenda.changed", UnitID: unitA.String(), Timestamp: time.Now()})

	select {
	case msg := <-a.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != "agenda.changed" {
			t.Errorf("expected agenda.changed, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-b.Send:
		t.Fatal("other unit must not receive the event")
	default:
	}
}

func TestHub_SubscribeOutsideUnitRefused(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	unit, other := uuid.New(), uuid.New()
	c := newClient("c", unit)
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{UnitTopic(other), UnitTopic(unit)}})

	if hub.TopicCount(UnitTopic(other)) != 0 {
		t.Error("client joined another unit's topic")
	}
	if hub.TopicCount(UnitTopic(unit)) != 1 {
		t.Error("client should join its own unit topic")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{UnitTopic(unit)}})
	if len(c.Topics) != 1 {
		t.Errorf("duplicate subscribe should be ignored, topics=%v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{UnitTopic(unit)}})
	if hub.TopicCount(UnitTopic(unit)) != 0 || len(c.Topics) != 0 {
		t.Error("expected topic to be dropped")
	}
}

type recordingSession struct {
	mu       sync.Mutex
	messages []ClientMessage
	closed   []*Client
	sendOpen bool
}

func (r *recordingSession) OnMessage(c *Client, msg ClientMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.Action != "watch" {
		return false
	}
	r.messages = append(r.messages, msg)
	c.Push(Event{Type: "ack", Timestamp: time.Now()})
	return true
}

func (r *recordingSession) OnClose(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, c)
	r.sendOpen = c.Push(Event{Type: "bye", Timestamp: time.Now()})
}

func TestHub_SessionHandler(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sess := &recordingSession{}
	hub.Use(sess)
	c := newClient("c", uuid.Nil)
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "watch", Params: json.RawMessage(`{"start":"2026-10-12"}`)})
	if len(sess.messages) != 1 {
		t.Fatalf("expected session to receive watch, got %d", len(sess.messages))
	}
	if msg := <-c.Send; !strings.Contains(string(msg), `"ack"`) {
		t.Errorf("expected ack, got %s", msg)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "dance"})
	if msg := <-c.Send; !strings.Contains(string(msg), "unknown action") {
		t.Errorf("expected error event, got %s", msg)
	}

	hub.Unregister(c)
	if len(sess.closed) != 1 {
		t.Fatal("expected OnClose to run")
	}
	if !sess.sendOpen {
		t.Error("OnClose must run while Send is still open")
	}
	if c.Push(Event{Type: "late"}) {
		t.Error("push after unregister must fail")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	unit := uuid.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient(uuid.NewString(), unit, UnitTopic(unit))
			hub.Register(c)
			hub.Broadcast(UnitTopic(unit), Event{Type: "agenda.changed"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), nil).RegisterRoutes(e.Group(""))

	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			return
		}
	}
	t.Fatal("expected GET /ws route to be registered")
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

	if err := h.HandleConnect(c); err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for a non-websocket request")
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"https://app.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	req.Header.Set("Origin", "https://app.example")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("expected configured origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if h.upgrader.CheckOrigin(req) {
		t.Error("expected unknown origin to be refused")
	}
}

func TestHandler_DialJoinsUnitTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	unit := uuid.New()

	e := echo.New()
	g := e.Group("", tenant.Middleware(unit.String()))
	NewHandler(hub, nil).RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(UnitTopic(unit)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(UnitTopic(unit)) != 1 {
		t.Fatal("expected connection to join its unit topic")
	}

	hub.Broadcast(UnitTopic(unit), Event{Type: "agenda.changed", UnitID: unit.String(), Timestamp: time.Now()})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "agenda.changed" || got.UnitID != unit.String() {
		t.Errorf("unexpected event %+v", got)
	}
}
