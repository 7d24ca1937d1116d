// Package mcp exposes the tool dispatcher over the Model Context Protocol.
//
// # Transports
//
// Three transports share one JSON-RPC 2.0 handler and differ only in how the
// calling principal is scoped:
//
//   - Streamable HTTP (POST /mcp): the credential is resolved once at
//     initialize and bound to the Mcp-Session-Id returned to the client.
//     Every later request on the session acts as that principal.
//   - WebSocket (GET /mcp/ws): the credential is resolved at upgrade and
//     shared by every call on the connection. Calls run concurrently.
//   - stdio: the principal is fixed when the process starts.
//
// Credentials may be presented as a path token (/mcp/<token>), a token query
// parameter, or an Authorization bearer header.
//
// # Methods
//
//   - initialize, ping
//   - tools/list: built-in and stored tools; listing needs no principal
//   - tools/call: failures are returned in-band with isError set
//   - toolgate/quota: today's used, limit and remaining for the caller
//
// Example tools/call request:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {"name": "add", "arguments": {"a": 2, "b": 3}},
//	  "id": 2
//	}
package mcp
