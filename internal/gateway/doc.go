// Package gateway wires the toolgate components into a running server.
//
// # Overview
//
// [Core] assembles the transport-independent invocation stack: the store,
// the identity resolver, the quota resolver, the execution engine, the audit
// logger, the metrics collectors and the dispatcher. The stdio command uses a
// Core directly; [Gateway] adds the network surfaces on top of it.
//
// # HTTP Routes
//
//	GET  /health              liveness
//	GET  /health/ready        store reachable
//	POST /mcp, /mcp/<token>   MCP streamable HTTP (per-session principal)
//	GET  /mcp/ws              MCP over WebSocket (per-connection principal)
//	GET  /api/tools           tool listing
//	POST /api/invoke          one invocation (per-request principal)
//	GET  /api/quota           caller's used/limit/remaining
//	GET  /api/quota/report    all accounts (admin)
//	GET  /api/usage           usage history (admin)
//	GET  /api/usage/stats     per-tool outcomes (admin)
//	GET  /tools               HTML catalog (catalog_page.enabled)
//	GET  /metrics             Prometheus (metrics.enabled)
//
// # gRPC
//
// When server.grpc_addr is set (or tailscale is enabled) the ToolService is
// served with an interceptor attaching the caller's principal per call.
//
// # Listeners
//
// Without tailscale the servers listen on server.http_addr and
// server.grpc_addr. With tailscale enabled a tsnet node is started and the
// servers listen on :80 and :50051 of the tailnet address instead.
//
// # Lifecycle
//
// [Gateway.Run] serves until its context is canceled or a server fails, then
// shuts down HTTP, gRPC, the cron scheduler and the tailnet node, flushes the
// audit sinks and closes the store.
package gateway
