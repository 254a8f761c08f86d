// Package storage persists schedules, the event log, notifications and parent
// display names.
//
// Drivers:
//   - "memory": process-local maps, used by tests and -once dry runs
//   - "file": the memory driver journaled to JSON Lines with periodic snapshots
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
