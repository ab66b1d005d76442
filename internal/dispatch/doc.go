// Package dispatch routes inbound requests to tool handlers.
//
// # Handler tables
//
// Well-known tool methods are registered in a table keyed by
// protocol.Method. Any other name goes into a string-keyed table. Wire
// names are translated in exactly one place, Dispatcher.lookup.
//
// # Batches
//
// A batch_request runs its entries concurrently, bounded by the configured
// batch concurrency. Results keep the order of the request list and one
// failed entry only marks its own position:
//
//	d := dispatch.New(dispatch.Config{BatchConcurrency: 8})
//	d.Register(protocol.MethodListTables, listTables)
//	reply := d.Dispatch(ctx, env)
package dispatch
