package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harun/loom/pkg/protocol"
)

// wsConn wraps a websocket connection with a write mutex so the
// session's turn goroutine and the read loop can both send. gorilla
// allows only one concurrent writer per connection.
type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Send writes one protocol message as a JSON text frame.
func (c *wsConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}
