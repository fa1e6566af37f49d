// KFRelay - WeCom customer-service to gateway relay
// One authenticated gateway connection

package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/kfrelay/pkg/protocol"
)

const writeWait = 5 * time.Second

// ConnState tracks the session lifecycle. Only authenticated connections
// may appear in the registry; Closed is terminal.
type ConnState int32

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosed
)

// Conn wraps one gateway WebSocket. Writes are serialized behind a mutex
// because frames, pings and close frames come from different goroutines.
type Conn struct {
	ws *websocket.Conn

	mu        sync.Mutex
	gatewayID string
	state     ConnState
	lastPong  time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:       ws,
		state:    StateUnauthenticated,
		lastPong: time.Now(),
		done:     make(chan struct{}),
	}
}

// GatewayID returns the id claimed in the hello frame; empty until then.
func (c *Conn) GatewayID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatewayID
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) authenticate(gatewayID string) {
	c.mu.Lock()
	c.gatewayID = gatewayID
	c.state = StateAuthenticated
	c.mu.Unlock()
}

// Send encodes and writes one frame.
func (c *Conn) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Conn) touchPong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

func (c *Conn) pongSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Close sends a close frame with the given code and tears the socket
// down. Safe to call from any goroutine, any number of times.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }
