package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/types"
)

// Sender writes complete messages to a control connection.
type Sender interface {
	Send(msg protocol.Message) error
}

// connection serializes writes to one websocket. Reads happen only on the
// server's read loop and need no lock.
type connection struct {
	id           string
	ws           *websocket.Conn
	codec        protocol.Codec
	writeTimeout time.Duration
	metrics      *Metrics
	logger       common.Logger

	mu     sync.Mutex
	closed atomic.Bool
}

func (c *connection) Send(msg protocol.Message) error {
	if c.closed.Load() {
		return types.ErrConnectionClosed
	}
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return types.NewErrorWithCause(types.ErrCodeInternal, "failed to encode message", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return types.NewErrorWithCause(types.ErrCodeConnectionClosed, "write failed", err)
	}
	c.metrics.MessageSent(msg.Operation())
	return nil
}

// Close sends a close frame with code and closes the socket. Only the first
// call has an effect.
func (c *connection) Close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	if err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		c.logger.Debugf("close frame for %s: %v", c.id, err)
	}
	_ = c.ws.Close()
}

// closeRejected closes a connection that never got a context.
func closeRejected(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.Close()
}
