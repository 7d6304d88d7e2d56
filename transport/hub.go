package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentfleet/logging"
)

// ErrHubClosed is returned by ServeWS after Close.
var ErrHubClosed = errors.New("hub closed")

// Envelope is the frame written to clients.
type Envelope struct {
	Event     string    `json:"event"`
	Room      string    `json:"room"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HubOptions configures a Hub.
type HubOptions struct {
	SendBuffer   int
	ReadLimit    int64
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
	// CheckOrigin is passed to the websocket upgrader. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool
	// Welcome, when set, produces the first frame sent to a joining client.
	Welcome func(room string) (event string, payload any, ok bool)
	// OnMessage receives every frame read from a client of room.
	OnMessage func(room string, data []byte)
	Logger    logging.Logger
}

// Hub groups websocket clients into rooms keyed by session id.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	closed bool
	wg     sync.WaitGroup
}

type client struct {
	hub  *Hub
	room string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates an empty Hub.
func NewHub(optFns ...func(o *HubOptions)) *Hub {
	opts := HubOptions{
		SendBuffer:   256,
		ReadLimit:    64 * 1024,
		WriteWait:    10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logging.OrNoOp(opts.Logger),
		rooms:  make(map[string]map[*client]struct{}),
	}
}

// ServeWS upgrades the request and joins the connection to room. It returns
// once the connection is registered; pumps run in the background.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, room string) error {
	if room == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return errors.New("serve ws: room required")
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return ErrHubClosed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{hub: h, room: room, conn: conn, send: make(chan []byte, h.opts.SendBuffer)}
	if h.opts.Welcome != nil {
		if event, payload, ok := h.opts.Welcome(room); ok {
			if data, err := encodeEnvelope(room, event, payload); err == nil {
				c.send <- data
			} else {
				h.logger.Warn("Failed to encode welcome frame", "room", room, "error", err)
			}
		}
	}

	if !h.register(c) {
		_ = conn.Close()
		return ErrHubClosed
	}

	go c.writePump()
	go c.readPump()
	return nil
}

// Broadcast sends event to every client in room. Clients with a full send
// buffer miss the frame.
func (h *Hub) Broadcast(room, event string, payload any) {
	data, err := encodeEnvelope(room, event, payload)
	if err != nil {
		h.logger.Warn("Failed to encode broadcast", "room", room, "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Client buffer full, dropping frame", "room", room, "event", event)
		}
	}
}

// RoomSize returns the number of clients joined to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var clients []*client
	for _, members := range h.rooms {
		for c := range members {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
	h.wg.Wait()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
	// Counted under the lock so Close cannot wait before the pumps exist.
	h.wg.Add(2)
	h.logger.Debug("Client joined", "room", c.room, "clients", len(members))
	return true
}

func (h *Hub) unregister(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		if members, ok := h.rooms[c.room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, c.room)
			}
		}
		close(c.send)
		h.mu.Unlock()
		h.logger.Debug("Client left", "room", c.room)
	})
}

// readPump pumps frames from the connection to OnMessage.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(c.hub.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket read error", "room", c.room, "error", err)
			}
			return
		}
		if c.hub.opts.OnMessage != nil {
			c.hub.opts.OnMessage(c.room, message)
		}
	}
}

// writePump pumps frames from the send buffer to the connection and keeps it
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeEnvelope(room, event string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Room: room, Payload: payload, Timestamp: time.Now().UTC()})
}
