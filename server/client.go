package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/version"
)

// WebSocket timeout constants following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// The dashboard only sends pings
	maxMessageSize = 4 * 1024
)

// Client is one dashboard WebSocket connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan Event
	id        string
	closeOnce sync.Once
}

// clientMessage is what a dashboard may send.
type clientMessage struct {
	Type string `json:"type"`
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump drains the connection so pongs and close frames are processed.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
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
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", logger.FieldClientID, c.id, logger.FieldError, err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debugw("JSON unmarshal error", logger.FieldClientID, c.id, logger.FieldError, err.Error())
			continue
		}
		if msg.Type != "ping" {
			c.hub.logger.Debugw("Unknown message type", "type", msg.Type, logger.FieldClientID, c.id)
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.logger.Debugw("Event write error", logger.FieldClientID, c.id, logger.FieldError, err.Error())
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

// HandleWebSocket upgrades to the dashboard event stream: a hello event with
// the build info, then the latest run_state of each family, then live events.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan Event, 64),
		id:   uuid.NewString(),
	}
	c.send <- Event{Type: EventHello, Data: version.Get(), Timestamp: s.timeNow()}

	select {
	case s.hub.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-s.runCtx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.runCtx)
}
