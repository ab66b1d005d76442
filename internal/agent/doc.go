// Package agent tracks the agents connected to the gateway.
//
// # Registry
//
// The Registry holds one Session per agent id and an index by agent type:
//
//	reg := agent.NewRegistry(logger)
//	prev := reg.Register(sess) // a previous session for the same agent id, or nil
//	defer reg.Unregister(sess)
//
// Key operations:
//
//   - Register(sess): add a session, replacing any session with the same agent id
//   - Unregister(sess): remove a session, but only if it is still the current one
//   - Get(agentID): look up the current session
//   - OfTypes(types...): sessions whose agent type is listed
//   - Stale(now, after): sessions not seen for longer than after
//
// # Session
//
// A Session owns the write side of one agent connection. Writes go through a
// per-session lock so frames reach the agent in the order they were sent.
// Every request updates the request count and an exponential moving average
// of handler latency:
//
//	avg = alpha*sample + (1-alpha)*avg
//
// The first sample seeds the average.
//
// # Thread Safety
//
// Registry and Session are safe for concurrent use. Locks guard map and
// counter updates only; network writes happen outside the registry lock.
package agent
