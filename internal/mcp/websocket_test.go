// ABOUTME: Tests for the MCP WebSocket transport using a real gorilla/websocket client
// ABOUTME: Covers upgrade auth, concurrent calls on one connection and principal scoping

package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mcp/ws"
	header := http.Header{}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestWebSocket_UpgradeAuth(t *testing.T) {
	ts := newTestServer(t, Config{RequireAuth: true})
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialWS(t, srv, "wrong")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dialWS(t, srv, "alice-token")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestWebSocket_ConcurrentCallsShareConnectionPrincipal(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.dispatcher.delay = 20 * time.Millisecond
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	alice, _, err := dialWS(t, srv, "alice-token")
	require.NoError(t, err)
	defer alice.Close()
	bob, _, err := dialWS(t, srv, "bob-token")
	require.NoError(t, err)
	defer bob.Close()

	const perConn = 10
	collect := func(conn *websocket.Conn) map[string]string {
		for i := 1; i <= perConn; i++ {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage,
				rpc("tools/call", i, map[string]any{"name": "add", "arguments": map[string]any{"n": "x"}})))
		}
		texts := map[string]string{}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		for len(texts) < perConn {
			_, data, err := conn.ReadMessage()
			require.NoError(t, err)
			resp := decodeResponse(t, data)
			res := decodeCallResult(t, resp)
			texts[string(resp.ID)] = res.Content[0].Text
		}
		return texts
	}

	var wg sync.WaitGroup
	var aliceTexts, bobTexts map[string]string
	wg.Add(2)
	go func() { defer wg.Done(); aliceTexts = collect(alice) }()
	go func() { defer wg.Done(); bobTexts = collect(bob) }()
	wg.Wait()

	require.Len(t, aliceTexts, perConn)
	require.Len(t, bobTexts, perConn)
	for _, text := range aliceTexts {
		assert.Equal(t, "add ran x as account:alice", text)
	}
	for _, text := range bobTexts {
		assert.Equal(t, "add ran x as account:bob", text)
	}
}

func TestWebSocket_MalformedAndNotifications(t *testing.T) {
	ts := newTestServer(t, Config{})
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, "alice-token")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, rpc("notifications/initialized", 0, nil)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, rpc("ping", 7, nil)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	first := decodeResponse(t, data)
	require.NotNil(t, first.Error)
	assert.Equal(t, JSONRPCParseError, first.Error.Code)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	second := decodeResponse(t, data)
	assert.Nil(t, second.Error)
	assert.Equal(t, "7", string(second.ID))
	assert.JSONEq(t, `{}`, string(second.Result))
}

func TestWebSocket_SessionGauge(t *testing.T) {
	ts := newTestServer(t, Config{})
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, "alice-token")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ts.sessions.get("websocket") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return ts.sessions.get("websocket") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ListTools(t *testing.T) {
	ts := newTestServer(t, Config{})
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(json.RawMessage(rpc("tools/list", 1, nil))))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var list MCPListToolsResult
	require.NoError(t, json.Unmarshal(decodeResponse(t, data).Result, &list))
	assert.Equal(t, "add", list.Tools[0].Name)
}

func TestWebSocket_AllowedOrigins(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com/"}})
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mcp/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestWebSocket_Disabled(t *testing.T) {
	ts := newTestServer(t, Config{DisableWebSocket: true})
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "alice-token")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
}
