package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	clientSendBuf  = 256
)

// streamHub fans dashboard events out to WebSocket clients. The run loop
// owns the client set exclusively; registration, removal, and broadcast all
// flow through its channels.
type streamHub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	snapshotFn func() hiveSnapshot

	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan []byte
	done       chan struct{}
}

// streamClient is one connected dashboard.
type streamClient struct {
	hub  *streamHub
	conn *websocket.Conn
	send chan []byte
}

func newStreamHub(allowedOrigins []string, snapshotFn func() hiveSnapshot, logger *slog.Logger) *streamHub {
	return &streamHub{
		logger:     logger.With("component", "stream"),
		snapshotFn: snapshotFn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// originChecker admits every origin when the allow list is empty, matching
// the local-development default.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// run serves until ctx is cancelled, then disconnects every client.
func (h *streamHub) run(ctx context.Context) {
	clients := make(map[*streamClient]struct{})
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.logger.Info("dashboard connected", "clients", len(clients))

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
			h.logger.Info("dashboard disconnected", "clients", len(clients))

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// Client cannot keep up; drop it.
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

// broadcastEvent marshals and queues evt for every client, dropping it when
// the hub is backed up.
func (h *streamHub) broadcastEvent(evt streamEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal stream event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("stream backlog full, dropping event", "type", evt.Type)
	}
}

// handleStream upgrades the connection, seeds the client with a snapshot so
// the dashboard renders immediately, then registers it and starts the pumps.
// Seeding before registration keeps the send queue single-writer.
func (h *streamHub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{hub: h, conn: conn, send: make(chan []byte, clientSendBuf)}
	snap := h.snapshotFn()
	if data, err := json.Marshal(streamEvent{Type: "snapshot", Timestamp: snap.Timestamp, Data: snap}); err == nil {
		c.send <- data
	} else {
		h.logger.Error("marshal initial snapshot", "error", err)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// writePump drains the send queue to the socket and keeps the connection
// alive with pings.
func (c *streamClient) writePump() {
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

// readPump consumes pongs and close frames. The feed is one-way; client
// messages are discarded.
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read", "error", err)
			}
			return
		}
	}
}
