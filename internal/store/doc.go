// Package store keeps a SQLite audit trail of journal events and message
// delivery outcomes.
//
// The store is write-mostly: the event journal and the router push rows in
// as they happen, and the audit command reads them back.
//
//   - events: one row per journal event; processed mirrors the journal flag
//   - messages: one row per delivery outcome (queued, delivered, failed, ...)
//
// Queries order by seq then id (or attempt) so output is stable across runs
// with the same logical clock.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
