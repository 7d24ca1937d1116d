// ABOUTME: Tests for the MCP HTTP transport: session creation, principal binding and JSON-RPC errors
// ABOUTME: Uses a recording dispatcher so each call's principal can be checked

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/dispatch"
	"github.com/2389/toolgate/internal/quota"
)

// recordingDispatcher echoes the principal key of each call.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []recordedCall
	delay time.Duration
}

type recordedCall struct {
	Principal string
	Tool      string
	Args      map[string]any
}

func (d *recordingDispatcher) Invoke(ctx context.Context, name string, args map[string]any) dispatch.Result {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	p := auth.FromContext(ctx)
	d.mu.Lock()
	d.calls = append(d.calls, recordedCall{Principal: p.String(), Tool: name, Args: args})
	d.mu.Unlock()

	if p == nil {
		e := &dispatch.Error{Kind: dispatch.KindNotAuthenticated, Tool: name}
		return dispatch.Result{Text: e.Message(), Err: e}
	}
	if name == "missing" {
		e := &dispatch.Error{Kind: dispatch.KindToolNotFound, Tool: name}
		return dispatch.Result{Text: e.Message(), Err: e}
	}
	return dispatch.Result{Text: fmt.Sprintf("%s ran %s as %s", name, args["n"], p.Key())}
}

func (d *recordingDispatcher) ListTools(context.Context) []dispatch.ToolInfo {
	return []dispatch.ToolInfo{
		{Name: "add", Description: "[System] Add two numbers", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "sum2", Description: "[Dynamic] sum", InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`)},
	}
}

func (d *recordingDispatcher) QuotaStatus(ctx context.Context) (quota.Status, error) {
	if auth.FromContext(ctx) == nil {
		return quota.Status{}, &dispatch.Error{Kind: dispatch.KindNotAuthenticated}
	}
	return quota.Status{Used: 1, Limit: 10, Remaining: 9}, nil
}

func (d *recordingDispatcher) principals() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Principal
	}
	return out
}

// staticResolver maps credentials to principals.
type staticResolver map[string]*auth.Principal

func (s staticResolver) Resolve(_ context.Context, credential string) (*auth.Principal, error) {
	if p, ok := s[credential]; ok {
		return p, nil
	}
	return nil, auth.ErrNotAuthenticated
}

var testResolver = staticResolver{
	"alice-token": {AccountID: "alice", Role: auth.RoleUser},
	"bob-token":   {AccountID: "bob", Role: auth.RoleUser},
	"sk_external": {Role: auth.RoleAdmin, DisplayName: "external", CredentialRef: "cred-1"},
}

type sessionCounter struct {
	mu    sync.Mutex
	open  map[string]int
	swept int
}

func (c *sessionCounter) SessionOpened(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[t]++
}

func (c *sessionCounter) SessionClosed(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[t]--
}

func (c *sessionCounter) SessionsSwept(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swept += n
}

func (c *sessionCounter) get(t string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[t]
}

type testServer struct {
	server     *Server
	mux        *http.ServeMux
	dispatcher *recordingDispatcher
	sessions   *sessionCounter

	mu     sync.Mutex
	owners map[string]string // session ID -> credential presented at initialize
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	d := &recordingDispatcher{}
	counter := &sessionCounter{open: map[string]int{}}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = d
	}
	if cfg.Resolver == nil {
		cfg.Resolver = testResolver
	}
	cfg.Logger = slog.Default()
	cfg.Observer = counter
	s, err := NewServer(cfg)
	require.NoError(t, err)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return &testServer{server: s, mux: mux, dispatcher: d, sessions: counter, owners: map[string]string{}}
}

func rpc(method string, id int, params any) []byte {
	req := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != 0 {
		req["id"] = id
	}
	if params != nil {
		req["params"] = params
	}
	b, _ := json.Marshal(req)
	return b
}

// post sends body to path and returns the recorder. Without an explicit
// bearer, a known session's owner credential is sent.
func (ts *testServer) post(path, sessionID, bearer string, body []byte) *httptest.ResponseRecorder {
	if bearer == "" && sessionID != "" {
		ts.mu.Lock()
		bearer = ts.owners[sessionID]
		ts.mu.Unlock()
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) initialize(t *testing.T, path, bearer string) string {
	t.Helper()
	rr := ts.post(path, "", bearer, rpc("initialize", 1, map[string]any{"protocolVersion": latestProtocolVersion}))
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeResponse(t, rr.Body.Bytes())
	require.Nil(t, resp.Error, "initialize failed: %+v", resp.Error)
	id := rr.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, id)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	credential, _ := auth.CredentialFromRequest(req, "/mcp")
	ts.mu.Lock()
	ts.owners[id] = credential
	ts.mu.Unlock()
	return id
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *JSONRPCError   `json:"error"`
}

func decodeResponse(t *testing.T, data []byte) rawResponse {
	t.Helper()
	var resp rawResponse
	require.NoError(t, json.Unmarshal(data, &resp), string(data))
	return resp
}

func decodeCallResult(t *testing.T, resp rawResponse) MCPCallToolResult {
	t.Helper()
	require.Nil(t, resp.Error)
	var res MCPCallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	return res
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Dispatcher: &recordingDispatcher{}, RequireAuth: true})
	assert.Error(t, err)

	s, err := NewServer(Config{Dispatcher: &recordingDispatcher{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultIdleTimeout, s.idleTimeout)
}

func TestInitialize(t *testing.T) {
	ts := newTestServer(t, Config{})

	rr := ts.post("/mcp", "", "alice-token", rpc("initialize", 1, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeResponse(t, rr.Body.Bytes())
	require.Nil(t, resp.Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, latestProtocolVersion, result["protocolVersion"])
	assert.Equal(t, ServerName, result["serverInfo"].(map[string]any)["name"])
	assert.NotEmpty(t, rr.Header().Get("Mcp-Session-Id"))
	assert.Equal(t, 1, ts.sessions.get("http"))
}

func TestInitialize_AuthRules(t *testing.T) {
	tests := []struct {
		name        string
		requireAuth bool
		path        string
		bearer      string
		wantErr     string
	}{
		{name: "invalid bearer", path: "/mcp", bearer: "nope", wantErr: "invalid or expired token"},
		{name: "invalid path token", path: "/mcp/nope", wantErr: "invalid or expired token"},
		{name: "nested path token", path: "/mcp/a/b", wantErr: "invalid or expired token"},
		{name: "missing when required", requireAuth: true, path: "/mcp", wantErr: "authentication required"},
		{name: "missing when optional", path: "/mcp"},
		{name: "path token", requireAuth: true, path: "/mcp/alice-token"},
		{name: "query token", requireAuth: true, path: "/mcp?token=bob-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Config{RequireAuth: tt.requireAuth})
			rr := ts.post(tt.path, "", tt.bearer, rpc("initialize", 1, nil))
			resp := decodeResponse(t, rr.Body.Bytes())
			if tt.wantErr == "" {
				assert.Nil(t, resp.Error)
				assert.NotEmpty(t, rr.Header().Get("Mcp-Session-Id"))
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
			assert.Equal(t, tt.wantErr, resp.Error.Message)
			assert.Empty(t, rr.Header().Get("Mcp-Session-Id"))
			assert.Equal(t, 0, ts.server.SessionCount())
		})
	}
}

func TestSessionPrincipalIsolation(t *testing.T) {
	ts := newTestServer(t, Config{})
	alice := ts.initialize(t, "/mcp", "alice-token")
	bob := ts.initialize(t, "/mcp/bob-token", "")
	ext := ts.initialize(t, "/mcp", "sk_external")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		sess := []string{alice, bob, ext}[i%3]
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Later requests repeat the credential; the principal still comes from the session.
			rr := ts.post("/mcp", sess, "", rpc("tools/call", i+1, map[string]any{"name": "add", "arguments": map[string]any{"n": "x"}}))
			assert.Equal(t, http.StatusOK, rr.Code)
		}(i)
	}
	wg.Wait()

	counts := map[string]int{}
	for _, p := range ts.dispatcher.principals() {
		counts[p]++
	}
	assert.Equal(t, map[string]int{"account:alice": 10, "account:bob": 10, "token:cred-1": 10}, counts)
}

func TestToolsCall(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := ts.initialize(t, "/mcp", "alice-token")

	rr := ts.post("/mcp", sess, "", rpc("tools/call", 2, map[string]any{"name": "add", "arguments": map[string]any{"n": 12345678901234567}}))
	res := decodeCallResult(t, decodeResponse(t, rr.Body.Bytes()))
	assert.False(t, res.IsError)
	assert.Equal(t, "add ran 12345678901234567 as account:alice", res.Content[0].Text)
	assert.Equal(t, json.Number("12345678901234567"), ts.dispatcher.calls[0].Args["n"])

	rr = ts.post("/mcp", sess, "", rpc("tools/call", 3, map[string]any{"name": "missing"}))
	res = decodeCallResult(t, decodeResponse(t, rr.Body.Bytes()))
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: Unknown tool 'missing'", res.Content[0].Text)
}

func TestToolsCall_UnauthenticatedSession(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := ts.initialize(t, "/mcp", "")

	rr := ts.post("/mcp", sess, "", rpc("tools/list", 2, nil))
	resp := decodeResponse(t, rr.Body.Bytes())
	require.Nil(t, resp.Error)
	var list MCPListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	assert.Len(t, list.Tools, 2)

	rr = ts.post("/mcp", sess, "", rpc("tools/call", 3, map[string]any{"name": "add"}))
	res := decodeCallResult(t, decodeResponse(t, rr.Body.Bytes()))
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: Authentication required to execute tools. Please refresh token.", res.Content[0].Text)

	rr = ts.post("/mcp", sess, "", rpc("toolgate/quota", 4, nil))
	resp = decodeResponse(t, rr.Body.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCUnauthenticated, resp.Error.Code)
}

func TestQuotaMethod(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := ts.initialize(t, "/mcp", "alice-token")

	rr := ts.post("/mcp", sess, "", rpc("toolgate/quota", 2, nil))
	resp := decodeResponse(t, rr.Body.Bytes())
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"used":1,"limit":10,"remaining":9}`, string(resp.Result))
}

func TestPostErrors(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := ts.initialize(t, "/mcp", "alice-token")

	t.Run("invalid json", func(t *testing.T) {
		resp := decodeResponse(t, ts.post("/mcp", sess, "", []byte("{")).Body.Bytes())
		assert.Equal(t, JSONRPCParseError, resp.Error.Code)
	})
	t.Run("wrong version", func(t *testing.T) {
		resp := decodeResponse(t, ts.post("/mcp", sess, "", []byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)).Body.Bytes())
		assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
		assert.Equal(t, "1", string(resp.ID))
	})
	t.Run("unknown method", func(t *testing.T) {
		resp := decodeResponse(t, ts.post("/mcp", sess, "", rpc("resources/list", 5, nil)).Body.Bytes())
		assert.Equal(t, JSONRPCMethodNotFound, resp.Error.Code)
	})
	t.Run("missing tool name", func(t *testing.T) {
		resp := decodeResponse(t, ts.post("/mcp", sess, "", rpc("tools/call", 6, map[string]any{})).Body.Bytes())
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})
	t.Run("arguments not an object", func(t *testing.T) {
		resp := decodeResponse(t, ts.post("/mcp", sess, "", rpc("tools/call", 7, map[string]any{"name": "add", "arguments": []int{1}})).Body.Bytes())
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})
	t.Run("missing session", func(t *testing.T) {
		rr := ts.post("/mcp", "", "alice-token", rpc("tools/list", 8, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
	t.Run("unknown session", func(t *testing.T) {
		rr := ts.post("/mcp", "does-not-exist", "", rpc("tools/list", 9, nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
	t.Run("unsupported protocol version", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(rpc("tools/list", 10, nil)))
		req.Header.Set("Mcp-Session-Id", sess)
		req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
		rr := httptest.NewRecorder()
		ts.mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
	t.Run("notification", func(t *testing.T) {
		rr := ts.post("/mcp", sess, "", rpc("notifications/initialized", 0, nil))
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Empty(t, rr.Body.String())
	})
	t.Run("body too large", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), MaxRequestBodySize+10)
		resp := decodeResponse(t, ts.post("/mcp", sess, "", big).Body.Bytes())
		assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
	})
	t.Run("method not allowed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		ts.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		rr = httptest.NewRecorder()
		ts.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/mcp", nil))
		assert.Equal(t, "POST, GET, DELETE", rr.Header().Get("Allow"))
	})
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := ts.initialize(t, "/mcp", "alice-token")

	del := func(bearer string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sess)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rr := httptest.NewRecorder()
		ts.mux.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusForbidden, del("bob-token"))
	assert.Equal(t, http.StatusNoContent, del("alice-token"))
	assert.Equal(t, http.StatusNotFound, del("alice-token"))
	assert.Equal(t, 0, ts.sessions.get("http"))
}

func TestPostRequiresSessionOwner(t *testing.T) {
	ts := newTestServer(t, Config{})
	sess := ts.initialize(t, "/mcp", "alice-token")

	call := rpc("tools/call", 2, map[string]any{"name": "add", "arguments": map[string]any{"n": 1}})
	assert.Equal(t, http.StatusForbidden, ts.post("/mcp", sess, "bob-token", call).Code)
	assert.Equal(t, http.StatusForbidden, ts.post("/mcp/bob-token", sess, "", call).Code)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(call))
	req.Header.Set("Mcp-Session-Id", sess)
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code, "a bare session ID is not enough")
	assert.Empty(t, ts.dispatcher.principals())

	rr = ts.post("/mcp", sess, "alice-token", call)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"account:alice"}, ts.dispatcher.principals())

	anon := ts.initialize(t, "/mcp", "")
	assert.Equal(t, http.StatusOK, ts.post("/mcp", anon, "", rpc("ping", 3, nil)).Code)
}

func TestSweepIdle(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	ts := newTestServer(t, Config{IdleTimeout: 10 * time.Minute, Now: clock})
	stale := ts.initialize(t, "/mcp", "alice-token")
	advance(6 * time.Minute)
	fresh := ts.initialize(t, "/mcp", "bob-token")
	advance(5 * time.Minute)

	assert.Equal(t, 1, ts.server.SweepIdle())
	assert.Equal(t, http.StatusNotFound, ts.post("/mcp", stale, "", rpc("ping", 2, nil)).Code)
	assert.Equal(t, http.StatusOK, ts.post("/mcp", fresh, "", rpc("ping", 3, nil)).Code)
	assert.Equal(t, 1, ts.sessions.swept)
	assert.Equal(t, 1, ts.sessions.get("http"))

	// Use keeps a session alive.
	advance(9 * time.Minute)
	assert.Equal(t, 0, ts.server.SweepIdle())
}

func TestScheduleSweep(t *testing.T) {
	ts := newTestServer(t, Config{})
	c := cron.New()
	id, err := ts.server.ScheduleSweep(c, "@every 1m")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = ts.server.ScheduleSweep(c, "not a schedule")
	assert.Error(t, err)
}

func TestCallCancelledWhenClientGoes(t *testing.T) {
	blocking := &blockingDispatcher{started: make(chan struct{}), done: make(chan error, 1)}
	ts := newTestServer(t, Config{Dispatcher: blocking})
	sess := ts.initialize(t, "/mcp", "alice-token")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(rpc("tools/call", 2, map[string]any{"name": "slow"}))).WithContext(ctx)
	req.Header.Set("Mcp-Session-Id", sess)
	req.Header.Set("Authorization", "Bearer alice-token")
	finished := make(chan struct{})
	go func() {
		ts.mux.ServeHTTP(httptest.NewRecorder(), req)
		close(finished)
	}()

	<-blocking.started
	cancel()
	<-finished
	assert.True(t, errors.Is(<-blocking.done, context.Canceled))
}

type blockingDispatcher struct {
	recordingDispatcher
	started chan struct{}
	done    chan error
}

func (b *blockingDispatcher) Invoke(ctx context.Context, name string, _ map[string]any) dispatch.Result {
	close(b.started)
	<-ctx.Done()
	b.done <- ctx.Err()
	return dispatch.Result{Text: "cancelled"}
}
