// ABOUTME: MCP over stdio: newline-delimited JSON-RPC for one process serving one caller
// ABOUTME: The principal is fixed when the process starts and applies to every call

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/2389/toolgate/internal/auth"
)

// StdioServer serves MCP requests read from a stream, one per line.
type StdioServer struct {
	handler   *handler
	principal *auth.Principal
	logger    *slog.Logger
}

// NewStdioServer creates a stdio server acting for p, which may be nil when
// the process was started without a credential.
func NewStdioServer(d Dispatcher, p *auth.Principal, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp-stdio")
	return &StdioServer{
		handler:   &handler{dispatcher: d, logger: logger},
		principal: p,
		logger:    logger,
	}
}

// Serve handles requests from in until EOF or ctx is cancelled, writing one
// response line to out per request. Requests are answered in order.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), MaxRequestBodySize)
	enc := json.NewEncoder(out)

	s.logger.Info("stdio session started", "principal", s.principal.String())
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, rpcErr := decodeRequest(line)
		var resp *JSONRPCResponse
		if rpcErr != nil {
			var id json.RawMessage
			if req != nil {
				id = req.ID
			}
			resp = errorResponse(id, rpcErr.Code, rpcErr.Message)
		} else {
			resp = s.handler.handle(ctx, s.principal, req)
		}
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}
