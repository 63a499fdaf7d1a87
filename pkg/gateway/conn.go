package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	// sendQueueSize bounds the per-connection outbound queue. A client that
	// cannot drain this many frames is forcibly detached rather than allowed
	// to back the process up.
	sendQueueSize = 64
)

// conn is one attached websocket connection. The reader goroutine (the HTTP
// handler) applies inbound frames in arrival order; the writer goroutine
// drains the bounded send queue.
type conn struct {
	id     string
	userID string
	docID  string
	ws     *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
	detached  atomic.Bool
}

func newConn(id, userID, docID string, ws *websocket.Conn) *conn {
	return &conn{
		id:     id,
		userID: userID,
		docID:  docID,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *conn) ID() string     { return c.id }
func (c *conn) UserID() string { return c.userID }

// Deliver enqueues a frame without blocking. False means the queue is full
// or the connection is closing; the caller detaches the client.
func (c *conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writeLoop is the only goroutine writing data frames to the socket.
func (c *conn) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("write failed", "conn", c.id, "err", err)
				c.abort()
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeWith sends the typed close frame and tears the connection down.
// WriteControl is safe to call concurrently with the writer goroutine.
func (c *conn) closeWith(code CloseCode) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(int(code), code.Reason())
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			slog.Debug("failed to write close frame", "conn", c.id, "code", code, "err", err)
		}
		_ = c.ws.Close()
	})
}

// abort closes without a taxonomy code: the peer went away or stalled and
// will observe a plain connection loss.
func (c *conn) abort() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
