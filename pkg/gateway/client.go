// KFRelay - WeCom customer-service to gateway relay
// Reference gateway client with automatic reconnection

package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/kfrelay/pkg/logger"
	"github.com/sipeed/kfrelay/pkg/protocol"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 30 * time.Second
)

// Client is a minimal gateway-side implementation of the protocol. It
// dials the relay, authenticates, and keeps the connection alive,
// reconnecting with exponential backoff when it drops.
type Client struct {
	url       string
	gatewayID string
	authToken string

	// OnInbound is invoked for each user message routed to this gateway.
	OnInbound func(protocol.Inbound)
	// OnBindingResolved is invoked when a pending binding completes.
	OnBindingResolved func(protocol.BindingResolved)
	// OnBindingAck is invoked with the token and chat URL after
	// CreateBinding.
	OnBindingAck func(protocol.CreateBindingAck)

	mu      sync.Mutex
	ws      *websocket.Conn
	closed  bool
	stopped chan struct{}
}

func NewClient(url, gatewayID, authToken string) *Client {
	return &Client{
		url:       url,
		gatewayID: gatewayID,
		authToken: authToken,
		stopped:   make(chan struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; delivery
// callbacks fire from a background goroutine.
func (c *Client) Connect() {
	go c.loop()
}

// Disconnect closes the connection and stops reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.stopped)
	if ws != nil {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "client disconnect")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
	}
}

// SendReply delivers a text reply for a bound user.
func (c *Client) SendReply(id, externalUserID, content string) error {
	return c.send(protocol.Reply{ID: id, ExternalUserID: externalUserID, Content: content})
}

// CreateBinding requests a pending binding token. The answer arrives via
// OnBindingAck.
func (c *Client) CreateBinding() error {
	return c.send(protocol.CreateBinding{GatewayID: c.gatewayID})
}

// UnbindAll removes every binding owned by this gateway.
func (c *Client) UnbindAll() error {
	return c.send(protocol.UnbindAll{GatewayID: c.gatewayID})
}

func (c *Client) send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) loop() {
	backoff := reconnectBase

	for {
		select {
		case <-c.stopped:
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			logger.WarnCF("gwclient", "Dial failed, retrying", map[string]any{
				"url":     c.url,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			if !c.sleepBackoff(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		// A rejected handshake is a disconnect too: it backs off the same
		// way a failed dial does, so a bad auth token cannot hammer the
		// relay.
		if err := c.handshake(ws); err != nil {
			logger.WarnCF("gwclient", "Handshake failed, retrying", map[string]any{
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			c.dropConn(ws)
			_ = ws.Close()
			if !c.sleepBackoff(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = reconnectBase
		logger.InfoCF("gwclient", "Connected", map[string]any{
			"gateway_id": c.gatewayID,
		})

		c.readLoop(ws)

		c.dropConn(ws)
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if !c.sleepBackoff(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// sleepBackoff waits out one backoff interval; false means the client
// was disconnected while waiting.
func (c *Client) sleepBackoff(d time.Duration) bool {
	select {
	case <-c.stopped:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}

func (c *Client) dropConn(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
}

func (c *Client) handshake(ws *websocket.Conn) error {
	data, err := protocol.Encode(protocol.Hello{
		GatewayID: c.gatewayID,
		AuthToken: c.authToken,
	})
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	_, ackData, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	frame, err := protocol.Decode(ackData)
	if err != nil {
		return err
	}
	ack, ok := frame.(protocol.Ack)
	if !ok || ack.ID != "hello" {
		return fmt.Errorf("expected hello ack, got %s", frame.FrameType())
	}
	_ = ws.SetReadDeadline(time.Time{})
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	ws.SetPingHandler(func(appData string) error {
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.DebugCF("gwclient", "Connection lost", map[string]any{
				"error": err.Error(),
			})
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			logger.WarnCF("gwclient", "Dropping bad frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		switch f := frame.(type) {
		case protocol.Inbound:
			_ = c.send(protocol.Ack{ID: f.ID})
			if c.OnInbound != nil {
				c.OnInbound(f)
			}
		case protocol.BindingResolved:
			if c.OnBindingResolved != nil {
				c.OnBindingResolved(f)
			}
		case protocol.CreateBindingAck:
			if c.OnBindingAck != nil {
				c.OnBindingAck(f)
			}
		case protocol.Error:
			logger.WarnCF("gwclient", "Relay reported error", map[string]any{
				"message": f.Message,
			})
		case protocol.Ack:
			// Nothing to do.
		}
	}
}
