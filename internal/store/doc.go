// Package store persists the gateway's session ledger using SQLite.
//
// # Architecture
//
// Store is the interface the gateway depends on. SQLiteStore implements it
// on modernc.org/sqlite (pure Go, no cgo); MockStore keeps records in memory
// for tests and for running without a database path.
//
// # Data Model
//
// One SessionRecord per identified connection:
//
//   - opened by RecordConnect when the agent identifies
//   - closed by RecordDisconnect with the close reason and final metrics
//
// Sessions still open when the gateway starts belong to a previous process
// that died without cleaning up. CloseOrphaned marks them closed.
//
// # Time Format
//
// Timestamps are stored as fixed-width RFC3339 text in UTC, nanosecond precision.
package store
