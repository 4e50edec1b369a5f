// Package ws streams batch results and alerts to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 4096
	clientQueue  = 256

	// controlChannel carries acknowledgements of subscription changes.
	controlChannel = "control"
)

// Channels are the signal bus channels forwarded to clients. New clients
// start subscribed to all of them.
var Channels = []string{
	domain.ChannelBatch,
	domain.ChannelAlert,
	domain.ChannelState,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS and auth middleware in front of /ws.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Subscriber is the signal bus surface the hub needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Envelope wraps every frame sent to clients.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// request is a client frame that changes its channel set.
type request struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Hub fans signal bus messages out to connected clients.
type Hub struct {
	bus    Subscriber
	state  func() domain.OrchestratorState
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*conn]struct{}
	closed  bool
}

// NewHub creates a hub. bus may be nil, in which case only Broadcast feeds
// clients. state, if set, provides the snapshot sent on connect.
func NewHub(bus Subscriber, state func() domain.OrchestratorState, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		state:   state,
		logger:  logger.With(slog.String("component", "ws")),
		clients: make(map[*conn]struct{}),
	}
}

// Run forwards every channel in Channels from the bus until ctx is cancelled,
// then disconnects all clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if h.bus != nil {
		for _, ch := range Channels {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.forward(ctx, ch)
			}()
		}
	}
	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	clear(h.clients)
	h.mu.Unlock()
	return nil
}

func (h *Hub) forward(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for data := range msgs {
		h.Broadcast(channel, data)
	}
}

// Broadcast sends data to every client subscribed to channel. Clients whose
// queue is full miss the frame.
func (h *Hub) Broadcast(channel string, data []byte) {
	frame, err := json.Marshal(Envelope{Channel: channel, Data: data})
	if err != nil {
		h.logger.Warn("dropping non-JSON payload", slog.String("channel", channel))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.wants(channel) && !c.enqueue(frame) {
			h.logger.Warn("client queue full, dropping frame", slog.String("channel", channel))
		}
	}
}

// HandleWS upgrades the request, sends the current state and starts the
// client's pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newConn(ws)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("clients", total))

	if h.state != nil {
		if data, err := json.Marshal(h.state()); err == nil {
			c.send(domain.ChannelState, data)
		}
	}

	go c.writeLoop()
	go func() {
		c.readLoop(h.logger)
		h.drop(c)
	}()
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Info("client disconnected", slog.Int("clients", total))
	}
}

// conn is one websocket client. out is closed exactly once, by close.
type conn struct {
	ws  *websocket.Conn
	out chan []byte

	mu     sync.Mutex
	subs   map[string]bool
	closed bool
}

func newConn(ws *websocket.Conn) *conn {
	subs := make(map[string]bool, len(Channels))
	for _, ch := range Channels {
		subs[ch] = true
	}
	return &conn{ws: ws, out: make(chan []byte, clientQueue), subs: subs}
}

func (c *conn) wants(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

// enqueue reports false when the queue is full. Frames for a closed conn are
// discarded.
func (c *conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) send(channel string, data []byte) {
	if frame, err := json.Marshal(Envelope{Channel: channel, Data: data}); err == nil {
		c.enqueue(frame)
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// apply changes the subscription set and returns the channels now active.
// Unknown channel names are ignored.
func (c *conn) apply(req request) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range req.Channels {
		if !slices.Contains(Channels, ch) {
			continue
		}
		switch req.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
	active := make([]string, 0, len(c.subs))
	for _, ch := range Channels {
		if c.subs[ch] {
			active = append(active, ch)
		}
	}
	return active
}

func (c *conn) readLoop(logger *slog.Logger) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if json.Unmarshal(msg, &req) != nil || req.Action == "" {
			continue
		}
		ack, _ := json.Marshal(map[string][]string{"subscribed": c.apply(req)})
		c.send(controlChannel, ack)
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
