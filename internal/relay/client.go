// ABOUTME: Downstream WebSocket client with a single writer goroutine.
// ABOUTME: All outbound frames funnel through one send queue to serialize socket writes.

package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// sendQueueSize bounds the outbound queue. Frames beyond a stalled client's
// queue are dropped; delivery is not guaranteed once a client stops reading.
const sendQueueSize = 64

// wsClient wraps one downstream connection. The websocket allows only one
// concurrent writer, so every producer (read handler, forwarding goroutines,
// reconnect callbacks) enqueues and a single writeLoop drains.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSClient(conn *websocket.Conn, logger *slog.Logger) *wsClient {
	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writeLoop()
	return c
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("downstream write failed", "error", err)
				return
			}
		case <-c.done:
			// Flush frames already queued so terminal errors reach the client.
			for {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// sendJSON enqueues one frame. Safe from any goroutine; drops when the client
// has stopped draining.
func (c *wsClient) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshaling downstream frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("downstream send queue full, dropping frame")
	}
}

// close stops the writer, which flushes queued frames and closes the socket.
// Idempotent.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
