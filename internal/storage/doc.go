// Package storage provides SQLite-backed durable storage for a single
// actor instance.
//
// The database holds four concerns:
//   - Records: the actor's versioned key-value state
//   - Changes: an append-only, seq-ordered change log (one row per mutation)
//   - Connections: metadata for live connections, preserved across hibernation
//   - Alarm: the single pending wake-up timestamp
//
// # Critical Patterns
//
// All ordering uses seq INTEGER (logical clock), never timestamps; this
// keeps change replay deterministic regardless of wall time. Key listings
// use ORDER BY key ASC COLLATE BINARY so cursor paging is stable.
//
// A mutation commits the record write and its change row in one SQLite
// transaction: either both land or neither does.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// Each actor owns exactly one database; the single-writer pool
// configuration matches the actor's single-threaded execution model.
package storage
