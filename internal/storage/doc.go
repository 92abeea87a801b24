// Package storage is the relational persistence layer behind the dispatch engine.
//
// It supports:
//   - sqlite (modernc.org/sqlite, pure Go; default, single node)
//   - postgres (jackc/pgx via database/sql; multiple server processes)
//
// Both drivers share one SQL implementation. Queries are written with "?"
// placeholders and rebound per dialect. Exactly-once creation relies on the
// UNIQUE(api_key_id, key) index on idempotency_keys; a violation surfaces as
// ErrConflict and nothing else.
package storage
