// Package history records outbound message statuses and Gateway events.
//
// A Recorder batches records from the connection's observers and writes
// them to a Store:
//   - SQLiteStore: local file, the default
//   - PostgresStore: shared database through pgxpool
//
// Records are append-only. Each has a stable id and repeats are ignored,
// so a record written twice after a retry is stored once.
package history
