// KFRelay - WeCom customer-service to gateway relay
// WebSocket endpoint gateways connect to

package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/kfrelay/pkg/logger"
	"github.com/sipeed/kfrelay/pkg/protocol"
)

const (
	// A connection must send its hello within this window.
	helloTimeout = 5 * time.Second

	pingInterval = 30 * time.Second
	pongWait     = 10 * time.Second
)

// Handler receives the frames a gateway is allowed to send after
// authenticating.
type Handler interface {
	// HandleReply queues a gateway reply for delivery to WeCom.
	HandleReply(gatewayID string, reply protocol.Reply)
	// HandleCreateBinding issues a pending binding token for the gateway
	// and returns it with the customer-service chat URL.
	HandleCreateBinding(gatewayID string) (token, chatURL string, err error)
	// HandleUnbindAll removes every binding owned by the gateway.
	HandleUnbindAll(gatewayID string) (int, error)
}

// Server upgrades gateway connections and runs their sessions.
type Server struct {
	port       int
	authSecret string
	registry   *Registry
	handler    Handler

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(port int, authSecret string, registry *Registry, handler Handler) *Server {
	return &Server{
		port:       port,
		authSecret: authSecret,
		registry:   registry,
		handler:    handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Gateways are headless processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WSHandler exposes the upgrade endpoint for embedding in another mux.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Start begins accepting gateway connections. It returns once the
// listener goroutine is running.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		logger.InfoCF("gateway", "WebSocket server listening", map[string]any{
			"port": s.port,
		})
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "WebSocket server failed", map[string]any{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Stop closes the listener and every live gateway connection.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.CloseAll("Server shutting down")
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "Upgrade failed", map[string]any{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	conn := newConn(ws)
	go s.runSession(conn)
}

// runSession drives one connection from hello to teardown.
func (s *Server) runSession(conn *Conn) {
	defer func() {
		conn.Close(protocol.CloseNormal, "")
		if conn.State() == StateAuthenticated || conn.GatewayID() != "" {
			s.registry.Remove(conn)
		}
	}()

	if !s.awaitHello(conn) {
		return
	}

	gatewayID := conn.GatewayID()
	s.registry.Register(conn)
	logger.InfoCF("gateway", "Gateway authenticated", map[string]any{
		"gateway_id": gatewayID,
	})

	if err := conn.Send(protocol.Ack{ID: "hello"}); err != nil {
		logger.WarnCF("gateway", "Failed to ack hello", map[string]any{
			"gateway_id": gatewayID,
			"error":      err.Error(),
		})
		return
	}

	conn.ws.SetPongHandler(func(string) error {
		conn.touchPong()
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.heartbeat(conn, stopPing)

	_ = conn.ws.SetReadDeadline(time.Time{})
	s.readLoop(conn)
}

// awaitHello reads the first frame and authenticates it. Any failure
// closes the connection with the matching code and returns false.
func (s *Server) awaitHello(conn *Conn) bool {
	_ = conn.ws.SetReadDeadline(time.Now().Add(helloTimeout))

	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		conn.Close(protocol.CloseAuthTimeout, "hello not received in time")
		return false
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		conn.Close(protocol.CloseExpectedHello, "expected hello frame")
		return false
	}

	hello, ok := frame.(protocol.Hello)
	if !ok {
		conn.Close(protocol.CloseExpectedHello, "expected hello frame")
		return false
	}

	if hello.GatewayID == "" ||
		subtle.ConstantTimeCompare([]byte(hello.AuthToken), []byte(s.authSecret)) != 1 {
		logger.WarnCF("gateway", "Authentication failed", map[string]any{
			"gateway_id": hello.GatewayID,
		})
		conn.Close(protocol.CloseAuthFailed, "authentication failed")
		return false
	}

	conn.authenticate(hello.GatewayID)
	return true
}

// heartbeat pings on an interval and tears the connection down when the
// pong misses its deadline.
func (s *Server) heartbeat(conn *Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.Close(protocol.CloseNormal, "ping failed")
				return
			}
			pingAt := time.Now()

			select {
			case <-stop:
				return
			case <-conn.Done():
				return
			case <-time.After(pongWait):
				if conn.pongSince().Before(pingAt) {
					logger.WarnCF("gateway", "Heartbeat timeout", map[string]any{
						"gateway_id": conn.GatewayID(),
					})
					conn.Close(protocol.CloseNormal, "heartbeat timeout")
					return
				}
			}
		}
	}
}

// readLoop routes frames from an authenticated gateway until the
// connection dies. Malformed or unexpected frames get an error frame
// back; the connection stays up.
func (s *Server) readLoop(conn *Conn) {
	gatewayID := conn.GatewayID()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			logger.DebugCF("gateway", "Connection closed", map[string]any{
				"gateway_id": gatewayID,
				"error":      err.Error(),
			})
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			_ = conn.Send(protocol.Error{Message: err.Error()})
			continue
		}

		switch f := frame.(type) {
		case protocol.Reply:
			s.handler.HandleReply(gatewayID, f)
		case protocol.CreateBinding:
			s.handleCreateBinding(conn, gatewayID)
		case protocol.UnbindAll:
			s.handleUnbindAll(conn, gatewayID)
		case protocol.Ack:
			// Acks from the gateway need no action.
		default:
			// Known frame types a gateway should not send (hello again,
			// inbound, etc.) are logged and dropped.
			logger.DebugCF("gateway", "Ignoring unexpected frame", map[string]any{
				"gateway_id": gatewayID,
				"frame_type": frame.FrameType(),
			})
		}
	}
}

func (s *Server) handleCreateBinding(conn *Conn, gatewayID string) {
	token, chatURL, err := s.handler.HandleCreateBinding(gatewayID)
	if err != nil {
		_ = conn.Send(protocol.Error{Message: fmt.Sprintf("create binding: %v", err)})
		return
	}
	_ = conn.Send(protocol.CreateBindingAck{
		Token:              token,
		CustomerServiceURL: chatURL,
	})
}

func (s *Server) handleUnbindAll(conn *Conn, gatewayID string) {
	count, err := s.handler.HandleUnbindAll(gatewayID)
	if err != nil {
		_ = conn.Send(protocol.Error{Message: fmt.Sprintf("unbind all: %v", err)})
		return
	}
	logger.InfoCF("gateway", "Unbound gateway users", map[string]any{
		"gateway_id": gatewayID,
		"count":      count,
	})
	_ = conn.Send(protocol.Ack{ID: "unbind_all"})
}
