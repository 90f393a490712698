// Package store provides SQLite-backed run history.
//
// Every completed or aborted run is written as one row in runs plus its
// ordered measurements and step trace. The store is an outer adapter: the
// engine never depends on it, the CLI writes records after a run.
//
// # Ordering
//
//   - Measurements are read back ORDER BY position, restoring insertion order
//   - Step events are read back ORDER BY step_index
//   - Run listings are ORDER BY started_at DESC, id DESC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
