package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/zot/hmr/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server, any origin
	},
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type hubClient struct {
	ClientInfo
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *hubClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the /@hmr websocket endpoint. It tracks connected clients and
// broadcasts payloads to all of them.
type Hub struct {
	logger    Logger
	metrics   *Metrics
	clients   cmap.ConcurrentMap[string, *hubClient]
	onMessage func(clientID string, p *protocol.Payload)
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger Logger, metrics *Metrics) *Hub {
	return &Hub{
		logger:  logger,
		metrics: metrics,
		clients: cmap.New[*hubClient](),
	}
}

// OnMessage sets the handler for payloads clients send.
func (h *Hub) OnMessage(fn func(clientID string, p *protocol.Payload)) {
	h.onMessage = fn
}

// ServeHTTP upgrades the connection and greets the client with a connected payload.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	c := &hubClient{
		ClientInfo: ClientInfo{ID: uuid.NewString(), RemoteAddr: r.RemoteAddr, ConnectedAt: time.Now()},
		conn:       conn,
	}
	h.clients.Set(c.ID, c)
	if h.metrics != nil {
		h.metrics.Clients.Inc()
	}
	h.logger.Log(1, "WebSocket connected: client=%s remote=%s", c.ID, c.RemoteAddr)

	if err := h.Send(c.ID, &protocol.Payload{Type: protocol.TypeConnected}); err != nil {
		h.logger.Log(0, "WebSocket greeting failed: %v", err)
	}
	go h.readPump(c)
}

func (h *Hub) readPump(c *hubClient) {
	defer h.disconnect(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Log(0, "WebSocket error: %v", err)
			}
			return
		}
		p, err := protocol.ParsePayload(message)
		if err != nil {
			h.logger.Log(0, "Failed to parse payload from %s: %v", c.ID, err)
			continue
		}
		h.logger.Log(4, "[IN] %s: %s", c.ID, string(message))
		if p.Type == protocol.TypePing {
			continue
		}
		if h.onMessage != nil {
			h.onMessage(c.ID, p)
		}
	}
}

func (h *Hub) disconnect(c *hubClient) {
	c.conn.Close()
	if h.clients.RemoveCb(c.ID, func(_ string, v *hubClient, exists bool) bool { return exists && v == c }) && h.metrics != nil {
		h.metrics.Clients.Dec()
	}
	h.logger.Log(1, "WebSocket disconnected: client=%s", c.ID)
}

// Send sends a payload to one client. Unknown clients are ignored.
func (h *Hub) Send(clientID string, p *protocol.Payload) error {
	c, ok := h.clients.Get(clientID)
	if !ok {
		return nil
	}
	data, err := p.Encode()
	if err != nil {
		return err
	}
	h.logger.Log(4, "[OUT] %s: to=%s data=%s", p.Type, clientID, string(data))
	return c.write(data)
}

// Broadcast sends a payload to every connected client.
func (h *Hub) Broadcast(p *protocol.Payload) {
	data, err := p.Encode()
	if err != nil {
		h.logger.Log(0, "Failed to encode %s payload: %v", p.Type, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Payloads.WithLabelValues(string(p.Type)).Inc()
	}
	h.logger.Log(2, "[OUT] %s: to=%d clients", p.Type, h.clients.Count())
	h.logger.Log(4, "[OUT] %s", string(data))
	for item := range h.clients.IterBuffered() {
		if err := item.Val.write(data); err != nil {
			h.logger.Log(1, "WebSocket write to %s failed: %v", item.Key, err)
		}
	}
}

// Clients returns the connected clients ordered by connection time.
func (h *Hub) Clients() []ClientInfo {
	var infos []ClientInfo
	for _, c := range h.clients.Items() {
		infos = append(infos, c.ClientInfo)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	return h.clients.Count()
}

// Close disconnects every client.
func (h *Hub) Close() {
	for _, c := range h.clients.Items() {
		c.conn.Close()
	}
}
