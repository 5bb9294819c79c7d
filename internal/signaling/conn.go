package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// conn wraps one upgraded websocket on the relay side.
//
// All writes go through the buffered send queue and a single writePump
// goroutine, which is the only writer on the socket. Deliver never blocks:
// when the queue is full or the connection is closing, the frame is dropped
// and Deliver reports false so the hub can count the skip.
type conn struct {
	ws           *websocket.Conn
	send         chan []byte
	pingInterval time.Duration

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, queueFrames int, pingInterval time.Duration) *conn {
	return &conn{
		ws:           ws,
		send:         make(chan []byte, queueFrames),
		pingInterval: pingInterval,
	}
}

// Deliver implements roomhub.Conn.
func (c *conn) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown marks the connection closed and wakes the writePump. Safe to call
// more than once.
func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with periodic pings. It exits when the queue is closed or a write
// fails, closing the socket either way.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
