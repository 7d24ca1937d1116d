// ABOUTME: Transport-independent MCP JSON-RPC handling shared by HTTP, WebSocket and stdio
// ABOUTME: Maps initialize, tools/list, tools/call and toolgate/quota onto the dispatcher

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/dispatch"
	"github.com/2389/toolgate/internal/quota"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for one JSON-RPC message (1MB).
const MaxRequestBodySize = 1 << 20

// ServerName is reported in initialize responses.
const ServerName = "toolgate"

// Version is reported in initialize responses; set at link time.
var Version = "dev"

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID.
func (r *JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603

	// JSONRPCUnauthenticated is returned by methods that need a principal.
	JSONRPCUnauthenticated = -32001
)

// MCP-specific types

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Dispatcher is the invocation surface exposed over MCP.
type Dispatcher interface {
	Invoke(ctx context.Context, name string, args map[string]any) dispatch.Result
	ListTools(ctx context.Context) []dispatch.ToolInfo
	QuotaStatus(ctx context.Context) (quota.Status, error)
}

// handler answers JSON-RPC requests on behalf of one principal at a time.
// It holds no per-caller state; transports decide which principal applies.
type handler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// decodeRequest parses and checks one JSON-RPC message.
func decodeRequest(data []byte) (*JSONRPCRequest, *JSONRPCError) {
	var req JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &JSONRPCError{Code: JSONRPCParseError, Message: "invalid JSON"}
	}
	if req.JSONRPC != "2.0" {
		return &req, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "invalid JSON-RPC version"}
	}
	if req.Method == "" {
		return &req, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "method is required"}
	}
	return &req, nil
}

// handle runs req for principal p, which may be nil. Notifications yield nil.
func (h *handler) handle(ctx context.Context, p *auth.Principal, req *JSONRPCRequest) *JSONRPCResponse {
	if req.IsNotification() {
		if !strings.HasPrefix(req.Method, "notifications/") {
			h.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		return nil
	}
	if p != nil {
		ctx = auth.WithPrincipal(ctx, p)
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, initializeResult())
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return resultResponse(req.ID, h.listTools(ctx))
	case "tools/call":
		return h.callTool(ctx, req)
	case "toolgate/quota":
		st, err := h.dispatcher.QuotaStatus(ctx)
		if err != nil {
			var de *dispatch.Error
			if errors.As(err, &de) && de.Kind == dispatch.KindNotAuthenticated {
				return errorResponse(req.ID, JSONRPCUnauthenticated, "authentication required")
			}
			h.logger.Error("quota status failed", "error", err)
			return errorResponse(req.ID, JSONRPCInternalError, "quota status unavailable")
		}
		return resultResponse(req.ID, st)
	}
	return errorResponse(req.ID, JSONRPCMethodNotFound, "method not found")
}

func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": Version,
		},
	}
}

func (h *handler) listTools(ctx context.Context) MCPListToolsResult {
	tools := h.dispatcher.ListTools(ctx)
	result := MCPListToolsResult{Tools: make([]MCPToolInfo, len(tools))}
	for i, t := range tools {
		result.Tools[i] = MCPToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	h.logger.Debug("tools/list", "count", len(tools))
	return result
}

// callTool always answers with a tool result; dispatch failures are reported
// in-band with isError set.
func (h *handler) callTool(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, JSONRPCInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, JSONRPCInvalidParams, "tool name is required")
	}
	args, err := decodeArguments(params.Arguments)
	if err != nil {
		return errorResponse(req.ID, JSONRPCInvalidParams, err.Error())
	}

	res := h.dispatcher.Invoke(ctx, params.Name, args)
	return resultResponse(req.ID, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: res.Text}},
		IsError: res.IsError(),
	})
}

// decodeArguments parses a tools/call argument object, keeping numbers as
// json.Number so large integers survive.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func resultResponse(id json.RawMessage, result any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}
