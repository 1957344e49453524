package channel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// connection is one physical socket. Outbound data is coalesced into a
// single slot so a slow socket only ever carries the freshest payload.
type connection struct {
	ws         *websocket.Conn
	generation uint64

	mu   sync.Mutex
	data []byte
	ping []byte

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, generation uint64) *connection {
	return &connection{
		ws:         ws,
		generation: generation,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (c *connection) enqueue(data []byte) {
	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
	c.signal()
}

func (c *connection) enqueuePing(ping []byte) {
	c.mu.Lock()
	c.ping = ping
	c.mu.Unlock()
	c.signal()
}

func (c *connection) take() (ping, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ping, data = c.ping, c.data
	c.ping, c.data = nil, nil
	return ping, data
}

func (c *connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// close marks the connection dead right away and tears the socket down in
// the background, so callers holding the channel lock never wait on I/O.
func (c *connection) close(writeTimeout time.Duration) {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			_ = c.ws.Close()
		}()
	})
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
