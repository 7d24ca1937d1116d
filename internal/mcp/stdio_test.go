// ABOUTME: Tests for the stdio MCP transport over in-memory pipes
// ABOUTME: Verifies line framing, ordering and the per-process principal

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
)

func TestStdio_ProcessPrincipal(t *testing.T) {
	d := &recordingDispatcher{}
	p := &auth.Principal{Role: auth.RoleAdmin, CredentialRef: "cred-9"}
	s := NewStdioServer(d, p, slog.Default())

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- s.Serve(context.Background(), inR, outW)
		outW.Close()
	}()

	lines := bufio.NewScanner(outR)
	send := func(b []byte) {
		_, err := inW.Write(append(b, '\n'))
		require.NoError(t, err)
	}

	send(rpc("initialize", 1, nil))
	require.True(t, lines.Scan())
	assert.Contains(t, lines.Text(), latestProtocolVersion)

	send(rpc("notifications/initialized", 0, nil))
	send(rpc("tools/call", 2, map[string]any{"name": "add", "arguments": map[string]any{"n": "y"}}))
	require.True(t, lines.Scan())
	res := decodeCallResult(t, decodeResponse(t, lines.Bytes()))
	assert.Equal(t, "add ran y as token:cred-9", res.Content[0].Text)

	send([]byte("{broken"))
	require.True(t, lines.Scan())
	assert.Equal(t, JSONRPCParseError, decodeResponse(t, lines.Bytes()).Error.Code)

	require.NoError(t, inW.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestStdio_NoPrincipal(t *testing.T) {
	d := &recordingDispatcher{}
	s := NewStdioServer(d, nil, nil)

	in := strings.NewReader(string(rpc("tools/call", 1, map[string]any{"name": "add"})) + "\n\n" + string(rpc("tools/list", 2, nil)) + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), in, &out))

	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, got, 2)
	res := decodeCallResult(t, decodeResponse(t, []byte(got[0])))
	assert.True(t, res.IsError)
	assert.Equal(t, "2", string(decodeResponse(t, []byte(got[1])).ID))
}

func TestStdio_StopsOnCancel(t *testing.T) {
	s := NewStdioServer(&recordingDispatcher{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Serve(ctx, strings.NewReader(string(rpc("ping", 1, nil))+"\n"), io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}
