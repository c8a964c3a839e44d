package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is a websocket subscriber with a bounded outbound queue.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps conn. buffer bounds the messages queued for a slow reader.
func NewClient(conn *websocket.Conn, buffer int, logger *slog.Logger) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{
		conn:   conn,
		log:    logger,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("websocket client too slow, dropping")
		return false
	}
}

// Close terminates the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// WritePump writes queued messages and keepalive pings until the client
// closes or ctx ends.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump discards inbound frames so control messages are processed, and
// returns when the peer goes away.
func (c *Client) ReadPump() {
	defer c.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}
