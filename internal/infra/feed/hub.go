// Package feed broadcasts committed marketplace notifications to websocket clients.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"asset_market/internal/event"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Backlog supplies notifications a client missed before connecting.
type Backlog interface {
	Since(seq uint64) []event.Event
}

// ClientGauge tracks connected clients.
type ClientGauge interface {
	IncrementFeedClients()
	DecrementFeedClients()
}

// Message is the wire envelope of one notification.
type Message struct {
	Type event.Type  `json:"type"`
	Seq  uint64      `json:"seq"`
	Data event.Event `json:"data"`
}

type outbound struct {
	seq  uint64
	data []byte
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan outbound
	once   sync.Once
	cancel context.CancelFunc
}

// Hub fans notifications out to every connected client in sequence order.
// A client that cannot keep up is disconnected rather than stalling others.
type Hub struct {
	upgrader websocket.Upgrader
	backlog  Backlog
	gauge    ClientGauge
	buffer   int

	mu      sync.RWMutex
	clients map[string]*client
	nextID  atomic.Uint64
}

// NewHub creates a hub. backlog and gauge may be nil.
func NewHub(backlog Backlog, gauge ClientGauge, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		backlog: backlog,
		gauge:   gauge,
		buffer:  buffer,
		clients: make(map[string]*client),
	}
}

// Run broadcasts events until ctx is cancelled or events is closed, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, events <-chan event.Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast queues ev for every connected client.
func (h *Hub) Broadcast(ev event.Event) {
	msg, err := encode(ev)
	if err != nil {
		slog.Error("Failed to encode feed message", slog.Uint64("seq", ev.GetSeq()), slog.Any("error", err))
		return
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("Feed client too slow, disconnecting", slog.String("client", c.id))
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams notifications. The optional
// "since" query parameter replays journaled events with a greater seq first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Feed upgrade failed", slog.Any("error", err))
		return
	}

	// Backlog and registration happen under the write lock so no event can
	// fall between them; duplicates are filtered by seq in the writer.
	h.mu.Lock()
	var replay []outbound
	if h.backlog != nil && r.URL.Query().Has("since") {
		for _, ev := range h.backlog.Since(since) {
			msg, err := encode(ev)
			if err != nil {
				slog.Error("Failed to encode feed message", slog.Uint64("seq", ev.GetSeq()), slog.Any("error", err))
				continue
			}
			replay = append(replay, msg)
		}
	}

	// The send buffer holds the whole replay plus the live allowance
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     fmt.Sprintf("feed-%d", h.nextID.Add(1)),
		conn:   conn,
		send:   make(chan outbound, len(replay)+h.buffer),
		cancel: cancel,
	}
	for _, msg := range replay {
		c.send <- msg
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.gauge != nil {
		h.gauge.IncrementFeedClients()
	}
	slog.Info("Feed client connected", slog.String("client", c.id), slog.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(ctx, c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if msg.seq <= lastSeq {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				slog.Debug("Feed write failed", slog.String("client", c.id), slog.Any("error", err))
				return
			}
			lastSeq = msg.seq
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains control frames; the feed ignores client payloads.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Feed read error", slog.String("client", c.id), slog.Any("error", err))
			}
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()

		c.cancel()
		c.conn.Close()
		if h.gauge != nil {
			h.gauge.DecrementFeedClients()
		}
		slog.Info("Feed client disconnected", slog.String("client", c.id))
	})
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func encode(ev event.Event) (outbound, error) {
	data, err := json.Marshal(Message{Type: ev.GetType(), Seq: ev.GetSeq(), Data: ev})
	if err != nil {
		return outbound{}, err
	}
	return outbound{seq: ev.GetSeq(), data: data}, nil
}
