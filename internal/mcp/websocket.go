// ABOUTME: MCP over WebSocket: one long-lived connection carrying many concurrent tool calls
// ABOUTME: The principal is resolved once at upgrade and shared by every call on the connection

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/toolgate/internal/auth"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
	wsWriteWait  = 10 * time.Second
	// wsMaxInFlight bounds concurrent calls per connection.
	wsMaxInFlight = 32
)

type wsTransport struct {
	server   *Server
	upgrader websocket.Upgrader
}

func newWSTransport(s *Server, allowedOrigins []string) *wsTransport {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}
	return &wsTransport{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			Subprotocols:    []string{"mcp"},
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

func (t *wsTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := t.principalForUpgrade(r)
	if err != nil {
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.server.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsConn{
		server:    t.server,
		conn:      conn,
		principal: p,
		id:        uuid.New().String(),
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(chan struct{}, wsMaxInFlight),
	}
	c.run()
}

// principalForUpgrade applies the HTTP credential rules without a path token.
func (t *wsTransport) principalForUpgrade(r *http.Request) (*auth.Principal, error) {
	credential, _ := auth.CredentialFromRequest(r, "")
	s := t.server
	if credential == "" {
		if s.requireAuth {
			return nil, errAuthRequired
		}
		return nil, nil
	}
	if s.resolver == nil {
		return nil, errInvalidToken
	}
	p, err := s.resolver.Resolve(r.Context(), credential)
	if err != nil {
		s.logger.Warn("websocket credential rejected", "remote_addr", r.RemoteAddr, "error", err)
		return nil, errInvalidToken
	}
	return p, nil
}

// wsConn is one upgraded connection. Calls run on their own goroutines; the
// write mutex serialises frames back to the peer.
type wsConn struct {
	server    *Server
	conn      *websocket.Conn
	principal *auth.Principal
	id        string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	calls   sync.WaitGroup
	slots   chan struct{}
}

func (c *wsConn) run() {
	s := c.server
	if s.observer != nil {
		s.observer.SessionOpened("websocket")
	}
	s.logger.Info("MCP websocket connected", "session_id", c.id, "principal", c.principal.String())

	done := make(chan struct{})
	go c.pingLoop(done)

	c.readLoop()

	// In-flight calls see the cancellation but still finish and get audited.
	c.cancel()
	c.calls.Wait()
	close(done)
	_ = c.conn.Close()

	s.sessionClosed("websocket")
	s.logger.Info("MCP websocket closed", "session_id", c.id)
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(MaxRequestBodySize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.server.logger.Debug("websocket read ended", "session_id", c.id, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		req, rpcErr := decodeRequest(data)
		if rpcErr != nil {
			var id json.RawMessage
			if req != nil {
				id = req.ID
			}
			c.write(errorResponse(id, rpcErr.Code, rpcErr.Message))
			continue
		}

		select {
		case c.slots <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		c.calls.Add(1)
		go func() {
			defer func() {
				<-c.slots
				c.calls.Done()
			}()
			if resp := c.server.handler.handle(c.ctx, c.principal, req); resp != nil {
				c.write(resp)
			}
		}()
	}
}

func (c *wsConn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.server.logger.Warn("failed to encode JSON-RPC response", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.server.logger.Debug("websocket write failed", "session_id", c.id, "error", err)
	}
}
