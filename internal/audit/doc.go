// Package audit implements the append-only, hash-chained gate ledger.
//
// Every gate evaluation the orchestrator makes is appended as an Event.
// Entries are never updated or deleted; a correction is a new entry. Each
// entry carries the hash of its predecessor so Verify can detect edits to
// persisted history.
//
// The Ledger serializes appends and delegates storage to a Store
// (MemoryStore here, sqlite in internal/store). Sinks receive each entry
// after it is stored; a failing sink is logged and never fails the append.
package audit
