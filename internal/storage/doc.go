// Package storage persists contacts, chat bindings, open invites and the
// notifier's dedup marks.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite, single file, WAL (default)
//   - "postgres": jackc/pgx via database/sql
//   - "memory": process-local maps, for tests and dry runs
package storage
