package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livechat/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// ConnInfo describes a live connection for logs and domain events.
type ConnInfo struct {
	ConnID      string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

var errConnClosed = errors.New("connection closed")

// Conn is one live duplex link. Outbound frames go through a buffered send
// channel drained by writePump; a connection whose buffer is full is dropped.
type Conn struct {
	info ConnInfo
	ws   *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	userID     int
	identified bool
	closed     bool
}

func newConn(wsConn *websocket.Conn, info ConnInfo) *Conn {
	return &Conn{info: info, ws: wsConn, send: make(chan []byte, sendBufferSize)}
}

// Info returns the connection metadata.
func (c *Conn) Info() ConnInfo {
	return c.info
}

// UserID returns the bound identity, if any.
func (c *Conn) UserID() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.identified && !c.closed
}

func (c *Conn) bind(userID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.identified {
		if c.userID != userID {
			return errors.New("connection already bound to another user")
		}
		return nil
	}
	c.identified = true
	c.userID = userID
	return nil
}

// enqueue queues payload for writing. It reports false when the connection
// is closed or too slow, in which case the connection is shut down.
func (c *Conn) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		observability.IncDeliveryDropped()
		c.closeLocked()
		return false
	}
}

// markClosed stops the write pump and returns the identity the connection
// held, if any.
func (c *Conn) markClosed() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return c.userID, c.identified
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump hands every inbound frame to handle, one at a time, until the
// link fails. It returns the error that ended the loop.
func (c *Conn) readPump(handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		handle(data)
	}
}
