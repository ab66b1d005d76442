// Package client implements the agent side of the shared gateway connection.
//
// # Overview
//
// Many goroutines inside one agent call Client.Call concurrently. All of
// them share a single websocket to the gateway. Calls are grouped into
// windows by the Batcher and correlated with their answers by request id.
//
// # Components
//
//   - Client: connection manager (connect, identify, heartbeat, reconnect)
//   - Batcher: flushes a window when it reaches Size calls or Timeout elapses
//   - Correlator: issues request ids and routes responses to waiting callers
//   - Backoff: capped exponential delay between reconnect attempts
//
// A window holding one call is sent as a plain request; larger windows go
// out as one batch_request whose results map back to callers by position.
//
// # Connection Loss
//
// When the socket drops, every pending call fails with ErrConnectionLost and
// the client reconnects with backoff. Subscriptions are re-sent after each
// reconnect. Once MaxAttempts is exhausted the client fails permanently with
// ErrReconnectExhausted and Done is closed.
//
// # Usage
//
//	c, err := client.New(client.Config{
//	    URL:       "ws://localhost:8080/ws",
//	    AgentID:   "sql-agent",
//	    AgentType: "sql",
//	})
//	if err := c.Connect(ctx); err != nil { ... }
//	defer c.Close()
//
//	var tables []string
//	err = c.CallInto(ctx, "list_tables", nil, &tables)
package client
