// Package credstore persists the client's credentials across process restarts.
//
// A Store is a plain key-value backend. Credentials layers the fixed layout on
// top of it: three entries (access token, refresh token, serialized user) under
// fixed keys. A missing or unreadable entry means "logged out"; read failures
// are logged and treated as absent, never surfaced as panics.
//
// Backends:
//   - MemoryStore: ephemeral, tests.
//   - FileStore: one JSON document, atomic rename, optionally sealed.
//   - SQLiteStore: database/sql over modernc.org/sqlite.
//   - PostgresStore: pgxpool, rows keyed by (profile, key).
package credstore
