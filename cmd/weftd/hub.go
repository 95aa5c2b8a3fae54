// CLAUDE:SUMMARY Websocket live-reload hub: one owner loop for register/unregister/broadcast, pumps per client.

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storyweft/weft/patch"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev tool: previews connect from file:// and editor-embedded views.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// reloadMessage tells connected previews to refetch /story.
type reloadMessage struct {
	Type      string `json:"type"`
	Session   string `json:"session,omitempty"`
	Valid     bool   `json:"valid"`
	Conflicts int    `json:"conflicts"`
	At        string `json:"at"`
}

// client is one websocket subscriber.
type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// hub fans patch notifications out to connected clients. The run loop is the
// only goroutine that touches the client set.
type hub struct {
	log        *slog.Logger
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// run owns the client set until ctx is done, then closes every client.
func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug("weftd: ws client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.log.Debug("weftd: ws client disconnected", "clients", len(h.clients))

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall the hub.
					close(c.send)
					delete(h.clients, c)
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		}
	}
}

// broadcastReload queues a reload message for every connected client.
func (h *hub) broadcastReload(out patch.Outcome) {
	msg := reloadMessage{
		Type:      "reload",
		Session:   out.SessionID,
		Valid:     out.Valid(),
		Conflicts: out.Conflicts.Total(),
		At:        time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("weftd: broadcast queue full, dropping reload message")
	}
}

// serveWS upgrades the connection and registers the client with the hub.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("weftd: ws upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 16)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so pings and close frames are processed.
// Clients are not expected to send anything.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("weftd: ws read", "error", err)
			}
			return
		}
	}
}

// writePump forwards queued messages and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
