package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/frame"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Largest client message accepted; matches the frame limit on the adapter side.
	maxMessageSize = frame.MaxContentLength
)

// wsConn adapts a WebSocket connection to session.ClientConn. Each data
// message is one protocol message.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}
}

// ReadMessage returns the next text or binary message.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteMessage sends data as one text message.
func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the connection.
func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, text string) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		// The peer may already be gone; the close frame is best effort.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		closeErr = c.conn.Close()
	})
	return closeErr
}
