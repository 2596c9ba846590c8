package notifications

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// sendBuffer is how many frames a slow client may fall behind before
// frames are dropped.
const sendBuffer = 16

// Frame is what the stream sends to a client.
type Frame struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	UnreadCount  *int          `json:"unreadCount,omitempty"`
}

// Hub tracks live websocket connections per user and fans new
// notifications out to them.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Frame
}

func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{logger: logger, clients: make(map[uuid.UUID]map[*client]struct{})}
}

// Publish queues n for every connection of its recipient. It never blocks.
func (h *Hub) Publish(n *Notification) {
	h.send(n.RecipientID, Frame{Type: "notification", Notification: n})
}

// PublishUnread tells the user's connections their new unread count.
func (h *Hub) PublishUnread(userID uuid.UUID, count int) {
	h.send(userID, Frame{Type: "unread-count", UnreadCount: &count})
}

func (h *Hub) send(userID uuid.UUID, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- f:
		default:
			h.logger.Warn("notifications: dropping frame for slow client", "user_id", userID, "type", f.Type)
		}
	}
}

// Connected returns how many live connections the user has.
func (h *Hub) Connected(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) register(userID uuid.UUID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
}

func (h *Hub) unregister(userID uuid.UUID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], c)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// Serve upgrades the request and streams frames for userID until the
// client disconnects. Origin is not checked; the caller is authenticated
// before the upgrade.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID uuid.UUID, unread int) {
	srv := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			h.serveConn(conn, userID, unread)
		},
	}
	srv.ServeHTTP(w, r)
}

func (h *Hub) serveConn(conn *websocket.Conn, userID uuid.UUID, unread int) {
	// Streams outlive the server's read and write timeouts.
	_ = conn.SetDeadline(time.Time{})
	c := &client{conn: conn, send: make(chan Frame, sendBuffer)}
	h.register(userID, c)
	h.logger.Debug("notifications: stream opened", "user_id", userID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range c.send {
			if err := websocket.JSON.Send(conn, f); err != nil {
				h.logger.Debug("notifications: stream write failed", "user_id", userID, "error", err)
				return
			}
		}
	}()

	c.send <- Frame{Type: "unread-count", UnreadCount: &unread}
	for {
		var in struct {
			Type string `json:"type"`
		}
		if err := websocket.JSON.Receive(conn, &in); err != nil {
			break
		}
		if in.Type == "ping" {
			select {
			case c.send <- Frame{Type: "pong"}:
			default:
			}
		}
	}

	h.unregister(userID, c)
	close(c.send)
	<-done
	h.logger.Debug("notifications: stream closed", "user_id", userID)
}
