package tunnel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	dErrors "hookbridge/pkg/domain-errors"
	"hookbridge/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a gorilla websocket to the broker's Conn interface. Gorilla
// allows only one concurrent writer, so every write goes through the mutex;
// webhook pushes and api responses for one session may race otherwise.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(m *protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return dErrors.Wrap(err, dErrors.CodeConnectionClosed, "websocket write failed")
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
