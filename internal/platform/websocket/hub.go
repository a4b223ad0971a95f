// Package websocket pushes agenda notifications to browser calendars. Clients
// join topics on a Hub; the server broadcasts events to topics and session
// handlers can answer client actions directly.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/platform/auth"
	"github.com/equidadeplus/agenda/internal/platform/tenant"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
	maxMessage = 8 << 10
)

// Event is a server-to-client message.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic,omitempty"`
	UnitID     string          `json:"unitId,omitempty"`
	ResourceID string          `json:"resourceId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is a client-to-server message. subscribe and unsubscribe are
// handled by the hub; other actions go to the session handlers.
type ClientMessage struct {
	Action string          `json:"action"`
	Topics []string        `json:"topics,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// UnitTopic is the topic carrying change notifications for one unit.
func UnitTopic(unitID uuid.UUID) string {
	return "unit/" + unitID.String()
}

// SessionHandler extends the hub with per-connection behaviour. OnMessage
// reports whether it consumed the message. OnClose runs before the client is
// unregistered, while Send is still open.
type SessionHandler interface {
	OnMessage(c *Client, msg ClientMessage) bool
	OnClose(c *Client)
}

// Client is one browser connection. UnitID scopes the topics it may join;
// uuid.Nil leaves it unscoped.
type Client struct {
	ID     string
	UnitID uuid.UUID
	UserID string
	Roles  []string
	Topics []string
	Send   chan []byte
	hub    *Hub
}

func (c *Client) allowed(topic string) bool {
	return c.UnitID == uuid.Nil || topic == UnitTopic(c.UnitID)
}

// Push queues ev for this client only. It reports false when the client is
// gone or its buffer is full.
func (c *Client) Push(ev Event) bool {
	if c.hub == nil {
		return false
	}
	return c.hub.SendTo(c, ev)
}

// Hub tracks clients and their topics.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // topic -> clients
	all      map[*Client]struct{}
	sessions []SessionHandler
	logger   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Use adds a session handler. It must be called before serving.
func (h *Hub) Use(s SessionHandler) {
	h.sessions = append(h.sessions, s)
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.hub = h
	h.all[c] = struct{}{}
	for _, topic := range c.Topics {
		h.join(c, topic)
	}
}

func (h *Hub) join(c *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][c] = struct{}{}
}

func (h *Hub) leave(c *Client, topic string) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister runs the session close hooks, drops every subscription and
// closes Send. Calling it twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.RLock()
	_, ok := h.all[c]
	h.mu.RUnlock()
	if !ok {
		return
	}

	for _, s := range h.sessions {
		s.OnClose(c)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, topic := range c.Topics {
		h.leave(c, topic)
	}
	delete(h.all, c)
	close(c.Send)
}

func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, dup := h.clients[topic][c]; dup {
			continue
		}
		h.join(c, topic)
		c.Topics = append(c.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.leave(c, t)
	}
	kept := c.Topics[:0]
	for _, t := range c.Topics {
		if _, rm := drop[t]; !rm {
			kept = append(kept, t)
		}
	}
	c.Topics = kept
}

// ProcessMessage applies one inbound message. Topics outside the client's
// unit are ignored.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		var ok []string
		for _, t := range msg.Topics {
			if c.allowed(t) {
				ok = append(ok, t)
			} else {
				h.logger.Warn().Str("client_id", c.ID).Str("topic", t).Msg("websocket subscribe refused")
			}
		}
		h.Subscribe(c, ok)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	default:
		for _, s := range h.sessions {
			if s.OnMessage(c, msg) {
				return
			}
		}
		c.Push(Event{Type: "error", Timestamp: time.Now().UTC(), Data: json.RawMessage(`{"message":"unknown action"}`)})
	}
}

func (h *Hub) encode(ev Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.Type).Msg("websocket: marshal event")
		return nil, false
	}
	return data, true
}

// Broadcast queues ev for every subscriber of topic. Slow clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(topic string, ev Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[topic] {
		select {
		case c.Send <- data:
		default:
			h.logger.Debug().Str("client_id", c.ID).Msg("websocket buffer full, event dropped")
		}
	}
}

// SendTo queues ev for a single registered client.
func (h *Hub) SendTo(c *Client, ev Event) bool {
	data, ok := h.encode(ev)
	if !ok {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[c]; !ok {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Handler upgrades GET /ws. The connection is joined to its unit's topic
// straight away.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts browser origins in allowedOrigins; an empty list or
// "*" accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allow := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allow[o] = struct{}{}
	}
	_, wildcard := allow["*"]
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || wildcard || len(allow) == 0 {
					return true
				}
				_, ok := allow[origin]
				return ok
			},
		},
	}
}

func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wh.HandleConnect)
}

func (wh *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	unitID := tenant.UnitFromContext(ctx)

	ws, err := wh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.NewString(),
		UnitID: unitID,
		UserID: auth.UserIDFromContext(ctx),
		Roles:  auth.RolesFromContext(ctx),
		Send:   make(chan []byte, sendBuffer),
	}
	if unitID != uuid.Nil {
		client.Topics = []string{UnitTopic(unitID)}
	}
	wh.hub.Register(client)
	wh.hub.logger.Debug().Str("client_id", client.ID).Str("unit_id", unitID.String()).Msg("websocket connected")

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

func (wh *Handler) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				wh.hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("websocket read")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		wh.hub.ProcessMessage(c, msg)
	}
}

func (wh *Handler) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
