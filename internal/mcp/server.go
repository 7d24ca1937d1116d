// ABOUTME: MCP Streamable HTTP transport with sessions bound to the principal resolved at initialize
// ABOUTME: Also mounts the WebSocket transport and exposes the idle-session sweep

package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/toolgate/internal/auth"
)

// DefaultIdleTimeout is how long an unused HTTP session survives.
const DefaultIdleTimeout = 30 * time.Minute

// CredentialResolver turns a presented credential into a principal.
type CredentialResolver interface {
	Resolve(ctx context.Context, credential string) (*auth.Principal, error)
}

// SessionObserver is told about transport session lifecycle events.
type SessionObserver interface {
	SessionOpened(transport string)
	SessionClosed(transport string)
	SessionsSwept(n int)
}

// Config holds configuration for the MCP server.
type Config struct {
	Dispatcher  Dispatcher
	Resolver    CredentialResolver
	Logger      *slog.Logger
	RequireAuth bool // reject initialize and WebSocket upgrades without a credential
	IdleTimeout time.Duration
	Observer    SessionObserver
	Now         func() time.Time

	// DisableWebSocket leaves /mcp/ws unmounted.
	DisableWebSocket bool
	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty allows any.
	AllowedOrigins []string
}

// Server implements the MCP HTTP and WebSocket endpoints.
type Server struct {
	handler     *handler
	resolver    CredentialResolver
	logger      *slog.Logger
	requireAuth bool
	idleTimeout time.Duration
	observer    SessionObserver
	sessions    *sessionStore
	ws          *wsTransport
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.RequireAuth && cfg.Resolver == nil {
		return nil, errors.New("credential resolver required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	s := &Server{
		handler:     &handler{dispatcher: cfg.Dispatcher, logger: logger},
		resolver:    cfg.Resolver,
		logger:      logger,
		requireAuth: cfg.RequireAuth,
		idleTimeout: idle,
		observer:    cfg.Observer,
		sessions:    newSessionStore(cfg.Now),
	}
	if !cfg.DisableWebSocket {
		s.ws = newWSTransport(s, cfg.AllowedOrigins)
	}
	return s, nil
}

// RegisterRoutes registers the MCP endpoints on the given ServeMux.
// Supports /mcp (bare), /mcp/<token> (token-in-path) and /mcp/ws (WebSocket).
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
	if s.ws != nil {
		mux.Handle("/mcp/ws", s.ws)
	}
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE per the
// Streamable HTTP transport spec.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. The caller must present the credential
// the session was initialized with.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if !ownsSession(sess, r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if s.sessions.delete(sessionID) {
		s.sessionClosed("http")
	}
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	req, rpcErr := decodeRequest(body)
	if rpcErr != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		s.sendJSONRPCError(w, id, rpcErr.Code, rpcErr.Message)
		return
	}

	if req.Method == "initialize" {
		s.handleInitialize(w, r, req)
		return
	}

	if protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		// Session expired or invalid - client must re-initialize
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if !ownsSession(sess, r) {
		s.logger.Warn("MCP session used with a different credential", "session_id", sessionID)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", req.IsNotification(),
		"session_id", sessionID,
	)

	resp := s.handler.handle(r.Context(), sess.principal, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeResponse(w, resp)
}

// ownsSession reports whether r carries the credential the session was
// initialized with. Sessions opened without a credential have no owner.
func ownsSession(sess *session, r *http.Request) bool {
	if sess.ownerToken == "" {
		return true
	}
	callerToken, _ := auth.CredentialFromRequest(r, "/mcp")
	return subtle.ConstantTimeCompare([]byte(callerToken), []byte(sess.ownerToken)) == 1
}

// handleInitialize resolves the caller's credential once and creates a
// session carrying the resulting principal.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	p, credential, err := s.principalFromRequest(r)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, err.Error())
		return
	}

	sess := s.sessions.create(latestProtocolVersion, p, credential)
	if s.observer != nil {
		s.observer.SessionOpened("http")
	}

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
		"principal", p.String(),
	)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.writeResponse(w, resultResponse(req.ID, initializeResult()))
}

var (
	errInvalidToken = errors.New("invalid or expired token")
	errAuthRequired = errors.New("authentication required")
)

// principalFromRequest resolves the credential on r. A request without a
// credential yields a nil principal unless auth is required; a credential
// that does not resolve is always an error.
func (s *Server) principalFromRequest(r *http.Request) (*auth.Principal, string, error) {
	credential, ok := auth.CredentialFromRequest(r, "/mcp")
	if !ok {
		return nil, "", errInvalidToken
	}
	if credential == "" {
		if s.requireAuth {
			return nil, "", errAuthRequired
		}
		return nil, "", nil
	}
	if s.resolver == nil {
		return nil, "", errInvalidToken
	}
	p, err := s.resolver.Resolve(r.Context(), credential)
	if err != nil {
		s.logger.Warn("MCP credential rejected", "remote_addr", r.RemoteAddr, "error", err)
		return nil, "", errInvalidToken
	}
	return p, credential, nil
}

// SweepIdle removes sessions idle for longer than the configured timeout.
func (s *Server) SweepIdle() int {
	n := s.sessions.sweep(s.idleTimeout)
	if n > 0 {
		for i := 0; i < n; i++ {
			s.sessionClosed("http")
		}
		if s.observer != nil {
			s.observer.SessionsSwept(n)
		}
		s.logger.Info("expired idle MCP sessions", "count", n)
	}
	return n
}

// ScheduleSweep registers SweepIdle on c using a cron spec such as "@every 5m".
func (s *Server) ScheduleSweep(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() { s.SweepIdle() })
}

// SessionCount returns the number of live HTTP sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

func (s *Server) sessionClosed(transport string) {
	if s.observer != nil {
		s.observer.SessionClosed(transport)
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.writeResponse(w, errorResponse(id, code, message))
}
