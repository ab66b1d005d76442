// Package gateway orchestrates the mcplink server components.
//
// # Overview
//
// The gateway package is the server side of the shared agent connection.
// It owns the session registry, method dispatcher, event broadcaster,
// request dedupe cache and the optional SQLite session ledger, and serves
// them over three listeners: the agent websocket, the admin HTTP API and a
// gRPC health endpoint.
//
// # Connection Flow
//
// Each websocket (or in-memory pipe passed to ServeConn) runs one read loop
// and, once identified, one session worker:
//
//  1. Agent sends the identify event with agent_id and protocol_version
//  2. Gateway answers with the identified event, then registers the session
//  3. The read loop refreshes last_seen on every frame and answers pings
//  4. Requests and batch requests are queued and dispatched in arrival order
//  5. Subscribe and unsubscribe events update the broadcaster's index
//
// Requests that arrive before identify are answered with an error. A second
// identify for an agent id already online replaces the older session.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /health - Liveness check
//   - GET /api/agents - List connected agents (?type= filter)
//   - GET /api/agents/{id} - One connected agent
//   - GET /api/sessions - Session history from the ledger
//   - GET /api/subscriptions - Event subscription index
//   - POST /api/broadcast - Push an event to agents
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger, gateway.WithMetrics(m))
//	gw.Dispatcher().RegisterName("lookup", lookupHandler)
//	err = gw.Run(ctx) // returns after ctx is canceled and shutdown completes
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - conn.go: per-connection protocol loop
//   - sweep.go: stale session eviction
//   - api.go: admin HTTP handlers
package gateway
