// Package broadcast fans server-originated events out to connected agents.
//
// A broadcast targets the union of three selectors: explicit agent ids,
// agent types, and the agents subscribed to the event name. When all three
// are empty the event goes to every connected agent. Each target is sent to
// independently; one slow or broken connection never delays the others.
package broadcast
