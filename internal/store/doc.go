// Package store persists fleet history using SQLite.
//
// The registry itself is purely in-memory; this package is the durable
// record of what happened to it. HistorySink consumes registry events from
// the event bus and writes:
//
//   - sessions_log: one row per connect and disconnect, with the reason
//   - agents: one row per session key with first/last seen, connect and
//     heartbeat counters
//   - command_results: every result an agent returned
//
// SQLiteStore implements HistoryStore using modernc.org/sqlite, so no cgo
// toolchain is needed.
package store
