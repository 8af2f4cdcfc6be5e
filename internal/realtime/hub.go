package realtime

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conservehq/conserve/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultBufferSize = 64
)

// Message represents a JSON payload delivered to a connected client.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub coordinates realtime delivery to connected clients. Every authenticated
// connection joins the private channel named by its user id; there is no
// client-controlled subscription surface. Constructed once at process start
// and injected wherever events need publishing.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*connection]struct{}
	upgrader websocket.Upgrader
}

// NewHub constructs a realtime hub. Cross-origin upgrades are only accepted
// from the supplied allow-list, same-origin requests, and loopback hosts.
func NewHub(allowedOrigins []string) *Hub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}

	return &Hub{
		clients: make(map[string]map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if _, ok := allowed[strings.TrimRight(origin, "/")]; ok {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Serve upgrades the HTTP connection to a WebSocket and registers the client
// on its user channel. Blocks until the connection closes.
func (h *Hub) Serve(userID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithModule("realtime").Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newConnection(h, conn, userID)
	h.register(client)

	go client.writeLoop()
	client.readLoop()
}

// PushToUser delivers a message to every live connection of the supplied user.
// Delivery is buffered and never blocks the caller; connections whose buffers
// are saturated get dropped instead.
func (h *Hub) PushToUser(userID string, message Message) {
	if userID == "" {
		return
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.clients[userID]))
	for client := range h.clients[userID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	// Enqueue after releasing the lock: closing a saturated connection
	// re-enters the hub to unregister itself.
	for _, client := range targets {
		if !client.enqueue(message) {
			logger.WithModule("realtime").Warn("dropping slow client", zap.String("user_id", client.userID))
			client.close()
		}
	}
}

// ConnectedUsers returns the number of users with at least one live connection.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[*connection]struct{})
	}
	h.clients[client.userID][client] = struct{}{}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[client.userID]
	if clients == nil {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.userID)
	}
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	userID string
	send   chan Message
	done   chan struct{}
	once   sync.Once
}

func newConnection(hub *Hub, conn *websocket.Conn, userID string) *connection {
	return &connection{
		hub:    hub,
		socket: conn,
		userID: userID,
		send:   make(chan Message, defaultBufferSize),
		done:   make(chan struct{}),
	}
}

// enqueue attempts a non-blocking hand-off to the write loop. Returns false
// only when the connection is live but its buffer is full.
func (c *connection) enqueue(message Message) bool {
	select {
	case <-c.done:
		return true
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Inbound payloads are ignored; the channel is push-only.
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithModule("realtime").Debug("unexpected close", zap.String("user_id", c.userID), zap.Error(err))
			}
			break
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		_ = c.socket.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
